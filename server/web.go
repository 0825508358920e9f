package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"

	"github.com/janelia-flyem/slidetile/codec/pyramid"
	"github.com/janelia-flyem/slidetile/datastore"
	"github.com/janelia-flyem/slidetile/message"
	"github.com/janelia-flyem/slidetile/slide"
)

const (
	// WebAPIPath is the prefix of all HTTP API calls.
	WebAPIPath = "/api/"

	// WebSocketPath is where viewers open their tile sockets.
	WebSocketPath = WebAPIPath + "ws"
)

// Handler returns the complete HTTP interface of the service.
func (s *Service) Handler() http.Handler {
	api := web.New()
	api.Use(s.auth.middleware)
	api.Use(s.blocks.middleware)

	api.Get("/api/interface", interfaceHandler)
	api.Get("/api/version", versionHandler)
	api.Get("/api/server/info", s.serverInfoHandler)
	api.Get("/api/stores", s.storesHandler)
	api.Post("/api/stores", s.createStoreHandler)

	api.Get("/api/store/:store/dir/:dir", s.listHandler)
	api.Post("/api/store/:store/dir/:dir", s.createDirHandler)
	api.Post("/api/store/:store/image", s.uploadHandler)
	api.Post("/api/store/:store/generate", s.generateHandler)

	api.Get("/api/store/:store/image/:image/tile/:level/:x/:y", s.tileHandler)
	api.Get("/api/store/:store/image/:image/metadata", s.metadataHandler)
	api.Get("/api/store/:store/image/:image/thumbnail", s.thumbnailHandler)

	api.Get("/api/store/:store/node/:node", s.nodeHandler)
	api.Post("/api/store/:store/node/:node/move", s.moveHandler)
	api.Post("/api/store/:store/node/:node/rename", s.renameHandler)
	api.Delete("/api/store/:store/node/:node", s.deleteHandler)
	api.NotFound(func(w http.ResponseWriter, r *http.Request) {
		BadRequest(w, r, "unknown API call %s %s", r.Method, r.URL.Path)
	})

	root := web.New()
	root.Use(middleware.EnvInit)
	root.Use(middleware.Recoverer)
	root.Use(logRequests)
	root.Get("/metrics", promhttp.Handler())
	root.Get(WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		if s.blocks.blocked(w, r, "") {
			return
		}
		s.sockets.ServeHTTP(w, r)
	})
	root.Handle("/api/*", api)

	origins := s.config.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(root)
}

func logRequests(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		slide.Debugf("http request: %s %s\n", r.Method, r.URL.Path)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// BadRequest writes a 400 status with a short message.
func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	slide.Infof("bad request %s %s: %s\n", r.Method, r.URL.Path, msg)
	http.Error(w, msg, http.StatusBadRequest)
}

// writeError maps a failure to its HTTP status without exposing internals.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := slide.KindOf(err)
	status := slide.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		slide.Errorf("%s %s: %v\n", r.Method, r.URL.Path, err)
	} else {
		slide.Debugf("%s %s: %v\n", r.Method, r.URL.Path, err)
	}
	http.Error(w, slide.PublicMessage(err), status)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slide.Errorf("can't write JSON response to %s: %v\n", r.URL.Path, err)
	}
}

func parseID(s, name string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, slide.NewError(slide.RequestIntegrity, "parse", "bad %s %q", name, s)
	}
	return uint32(id), nil
}

// urlIDs parses the named URL parameters as uint32 ids.
func urlIDs(c web.C, names ...string) ([]uint32, error) {
	ids := make([]uint32, len(names))
	for i, name := range names {
		id, err := parseID(c.URLParams[name], name)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// queryID parses an optional query parameter, returning def when absent.
func queryID(r *http.Request, name string, def uint32) (uint32, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	return parseID(s, name)
}

func (s *Service) serverInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.Info())
}

func (s *Service) storesHandler(w http.ResponseWriter, r *http.Request) {
	stores, err := s.registry.Stores(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stores == nil {
		stores = []datastore.StoreRecord{}
	}
	writeJSON(w, r, stores)
}

func (s *Service) createStoreHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, slide.Kilo*slide.Kilo)).Decode(&req); err != nil {
		BadRequest(w, r, "bad store JSON: %v", err)
		return
	}
	rec, err := s.CreateStore(r.Context(), req.Name, req.Alias)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, rec)
}

func (s *Service) listHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ids, err := urlIDs(c, "store", "dir")
	if err != nil {
		writeError(w, r, err)
		return
	}
	deleted := r.URL.Query().Get("deleted") == "true"
	children, err := s.registry.Children(r.Context(), ids[0], ids[1], deleted)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if children == nil {
		children = []datastore.Node{}
	}
	writeJSON(w, r, children)
}

func (s *Service) createDirHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ids, err := urlIDs(c, "store", "dir")
	if err != nil {
		writeError(w, r, err)
		return
	}
	node, err := s.registry.CreateDirectory(r.Context(), ids[0], ids[1], r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, node)
}

func (s *Service) uploadHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ids, err := urlIDs(c, "store")
	if err != nil {
		writeError(w, r, err)
		return
	}
	query := r.URL.Query()
	parent, err := queryID(r, "parent", datastore.RootID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	name := query.Get("name")
	if name == "" {
		BadRequest(w, r, "upload requires a name")
		return
	}
	node, err := s.Upload(r.Context(), ids[0], parent, name, query.Get("decoder"), r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, node)
}

func (s *Service) generateHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ids, err := urlIDs(c, "store")
	if err != nil {
		writeError(w, r, err)
		return
	}
	query := r.URL.Query()
	parent, err := queryID(r, "parent", datastore.RootID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	config := slide.NewConfig()
	for _, key := range []string{"width", "height", "levels"} {
		if v := query.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				BadRequest(w, r, "bad %s %q", key, v)
				return
			}
			config.Set(key, n)
		}
	}
	generator := query.Get("generator")
	name := query.Get("name")
	if name == "" {
		name = generator
	}
	node, err := s.Generate(r.Context(), ids[0], parent, name, generator, config)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, node)
}

func (s *Service) tileHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ids, err := urlIDs(c, "store", "image", "level", "x", "y")
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := message.TileRequest{StoreID: ids[0], ImageID: ids[1], Level: ids[2], X: ids[3], Y: ids[4]}
	data, err := s.RetrieveTile(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	switch s.encoder.Options().Format {
	case pyramid.FormatPNG:
		w.Header().Set("Content-Type", "image/png")
	case pyramid.FormatRaw:
		w.Header().Set("Content-Type", "application/octet-stream")
	default:
		w.Header().Set("Content-Type", "image/jpeg")
	}
	w.Header().Set("Cache-Control", "private, max-age=300")
	if _, err := w.Write(data); err != nil {
		slide.Debugf("tile response %s interrupted: %v\n", req, err)
	}
}

func (s *Service) metadataHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ids, err := urlIDs(c, "store", "image")
	if err != nil {
		writeError(w, r, err)
		return
	}
	layers, err := s.Layers(r.Context(), ids[0], ids[1])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, layers)
}

func (s *Service) thumbnailHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ids, err := urlIDs(c, "store", "image")
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := s.Thumbnail(r.Context(), ids[0], ids[1])
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(data)
}

func (s *Service) nodeHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ids, err := urlIDs(c, "store", "node")
	if err != nil {
		writeError(w, r, err)
		return
	}
	node, err := s.registry.Node(r.Context(), ids[0], ids[1])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, node)
}

func (s *Service) moveHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ids, err := urlIDs(c, "store", "node")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("dest") == "" {
		BadRequest(w, r, "move requires a dest directory")
		return
	}
	dest, err := queryID(r, "dest", datastore.RootID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.Move(r.Context(), ids[0], ids[1], dest); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) renameHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ids, err := urlIDs(c, "store", "node")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.Rename(r.Context(), ids[0], ids[1], r.URL.Query().Get("name")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Service) deleteHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ids, err := urlIDs(c, "store", "node")
	if err != nil {
		writeError(w, r, err)
		return
	}
	hard := strings.ToLower(r.URL.Query().Get("hard")) == "true"
	if err := s.Delete(r.Context(), ids[0], ids[1], hard); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
