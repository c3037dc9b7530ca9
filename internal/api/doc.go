// Package api exposes the engine over HTTP: escrow actions, message and
// proposal processing, consensus and arbitration votes, read endpoints for
// escrows, rounds, disputes and reputations, plus health and Prometheus
// metrics. Business failures are reported with HTTP 200 and success=false;
// 4xx and 5xx are reserved for malformed requests and infrastructure faults.
package api
