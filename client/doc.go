// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package client provides the asynchronous TCP client: a connection-oriented
// facade over one reactor-tracked socket with per-direction FIFO request
// queues. Requests complete in submission order within a direction; read and
// write pipelines are independent.
package client
