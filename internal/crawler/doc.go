// Package crawler holds the domain types shared by the coordinator: scrape
// strategies, executor and parser contracts, retailer definitions, queued
// jobs and the events published for them.
package crawler
