// Package store defines the persistence contracts of the crawl core: crawl
// progress, product records and chat result cursors. Implementations live in
// other packages; this package must not import database drivers or concrete
// clients.
package store
