// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package server provides the TCP server: a listening socket tracked by the
// reactor whose accept callback hands each new connection to the user as an
// already-connected client, retaining ownership of clients the user
// declines.
package server
