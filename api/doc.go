// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package api defines the shared contracts of hioload-tcp: the reactor and
// executor interfaces consumed by clients and servers, the async result and
// request types, and the library error taxonomy.
package api
