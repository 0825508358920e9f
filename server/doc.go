/*
Package server provides the HTTP and websocket interfaces of slidetile.

A Service ties together the registry of stores and images, the configured
array stores holding converted pyramids, the pyramid encoder and the
manager of connected viewers.  Serve runs it behind an http.Server until
its context is cancelled.

The API is described in RAML at /api/interface.  Viewers connect to /api/ws
and exchange the binary frames of package message.
*/
package server
