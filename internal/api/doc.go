// Package api hosts the HTTP server, middleware, and REST handlers for the
// coordinator. Notable routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl and GET /v1/crawl/{retailer}/status for search crawls.
//   - GET /v1/chats/{chat_id}/results to page unseen products per chat.
//   - POST /v1/products/{retailer}/{id}/scrape for inline detail scrapes.
//   - GET /v1/admin/{pool,breaker,proxies} for operator views.
package api
