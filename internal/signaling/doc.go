// Package signaling implements the relay's HTTP polling API.
//
// A publishing peer posts an offer and receives a connection id. A consuming
// peer polls the queue, fetches the offer, and posts an answer. The publisher
// polls for the answer, which is handed out once and then evicted.
//
// Routes, relative to Config.BasePath:
//
//	POST /connections               enqueue offer (alias POST /application/connections)
//	GET  /application/queue         claim the oldest pending offer (alias GET /client/queue)
//	GET  /connections/{id}/offer    fetch offer, deviceId removed
//	POST /connections/{id}/answer   submit answer for a claimed connection
//	GET  /connections/{id}/answer   fetch answer; 204 until one exists
//
// Nothing blocks waiting for the other peer. "Not yet" is a 204 carrying a
// Retry-After hint.
package signaling
