package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Version is the version of the HTTP API.
const Version = "v1"

const raml = `
#%RAML 0.8
title: "slidetile"
version: v1
baseUri: /api
/interface:
  get:
    description: returns this RAML description
/version:
  get:
    description: returns the API version
/server/info:
  get:
    description: returns host, uptime, connected viewers, configured stores and codecs
/stores:
  get:
    description: lists every store
  post:
    description: creates a store from JSON {"name": ..., "alias": ...}
/store/{store}/dir/{dir}:
  get:
    description: lists the children of a directory, 0 being the store root
    queryParameters:
      deleted: { description: "include soft deleted nodes if true" }
  post:
    description: creates a directory under {dir}
    queryParameters:
      name: { required: true }
/store/{store}/image:
  post:
    description: converts the uploaded source image in the request body
    queryParameters:
      name: { required: true, description: "extension picks the decoder if none given" }
      parent: { description: "directory id, default root" }
      decoder: { description: "decoder name" }
/store/{store}/generate:
  post:
    description: converts a synthetic image
    queryParameters:
      generator: { required: true }
      name: {}
      parent: {}
      width: {}
      height: {}
      levels: {}
/store/{store}/image/{image}/tile/{level}/{x}/{y}:
  get:
    description: returns one encoded 1024 x 1024 tile
/store/{store}/image/{image}/metadata:
  get:
    description: returns the JSON list of pyramid levels
/store/{store}/image/{image}/thumbnail:
  get:
    description: returns the JPEG thumbnail
/store/{store}/node/{node}:
  get:
    description: returns a node, deleted or not
  delete:
    description: soft deletes a node, or removes it and its pyramids if hard=true
/store/{store}/node/{node}/move:
  post:
    description: moves a node into directory "dest"
/store/{store}/node/{node}/rename:
  post:
    description: renames a node to "name"
/ws:
  get:
    description: opens a viewer websocket for binary tile requests and tree change notices
`

func interfaceHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/raml+yaml")
	w.WriteHeader(http.StatusOK)
	if r.Method != "HEAD" {
		io.Copy(w, strings.NewReader(raml))
	}
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, Version)
}
