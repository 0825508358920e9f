package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/twinj/uuid"

	"github.com/janelia-flyem/slidetile/codec"
	"github.com/janelia-flyem/slidetile/codec/pyramid"
	"github.com/janelia-flyem/slidetile/datastore"
	"github.com/janelia-flyem/slidetile/message"
	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/socket"
	"github.com/janelia-flyem/slidetile/storage"
)

// Service is the running server state handed to every request handler.
type Service struct {
	config   *Config
	registry *datastore.Registry
	stores   map[string]storage.Store
	encoder  *pyramid.Encoder
	sockets  *socket.Manager
	auth     *authorizer
	blocks   *blockList
	started  time.Time
}

// NewService opens the configured array stores and registry.
func NewService(c *Config) (*Service, error) {
	if c == nil {
		c = DefaultConfig()
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	s := &Service{
		config:  c,
		stores:  make(map[string]storage.Store, len(c.Store)),
		encoder: pyramid.New(c.pyramidOptions()),
		started: time.Now(),
	}
	var err error
	if s.auth, err = newAuthorizer(c.Auth); err != nil {
		return nil, err
	}
	if s.blocks, err = loadBlockList(c.Server.BlockListFile); err != nil {
		return nil, err
	}

	for alias, sc := range c.Store {
		config, err := sc.parse()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("store.%s: %v", alias, err)
		}
		store, created, err := storage.NewStore(config)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("can't open store %q: %v", alias, err)
		}
		slide.Infof("Opened store %q: %s (created %t)\n", alias, store, created)
		s.stores[alias] = store
	}

	if s.registry, err = datastore.Open(c.Registry.Path); err != nil {
		s.Close()
		return nil, err
	}
	s.sockets = socket.NewManager(s, s.auth.identify, c.socketConfig())
	s.registry.SetNotifier(s.sockets)
	return s, nil
}

// Close shuts down sockets, the registry and every array store.
func (s *Service) Close() error {
	var errs []string
	if s.sockets != nil {
		delay := time.Duration(s.config.Server.ShutdownDelay) * time.Second
		if delay <= 0 {
			delay = time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), delay)
		if err := s.sockets.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("sockets: %v", err))
		}
		cancel()
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("registry: %v", err))
		}
	}
	for alias, store := range s.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("store %q: %v", alias, err))
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("errors closing service: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Registry returns the registry of stores and images.
func (s *Service) Registry() *datastore.Registry {
	return s.registry
}

// Sockets returns the viewer connection manager.
func (s *Service) Sockets() *socket.Manager {
	return s.sockets
}

// storeFor returns the array store holding the pyramids of a registry store.
func (s *Service) storeFor(ctx context.Context, storeID uint32) (storage.Store, error) {
	rec, err := s.registry.Store(ctx, storeID)
	if err != nil {
		return nil, err
	}
	store, found := s.stores[rec.Alias]
	if !found {
		return nil, slide.NewError(slide.ResourceExistence, "store lookup", "store %d uses unconfigured alias %q", storeID, rec.Alias)
	}
	return store, nil
}

// imageStore returns the array store and group path of a converted image.
func (s *Service) imageStore(ctx context.Context, storeID, imageID uint32) (storage.Store, string, error) {
	path, err := s.registry.ImagePath(ctx, storeID, imageID)
	if err != nil {
		return nil, "", err
	}
	store, err := s.storeFor(ctx, storeID)
	if err != nil {
		return nil, "", err
	}
	return store, path, nil
}

// RetrieveTile returns the encoded tile for a request.  It serves both the
// HTTP tile endpoint and viewer sockets.
func (s *Service) RetrieveTile(ctx context.Context, req message.TileRequest) ([]byte, error) {
	store, path, err := s.imageStore(ctx, req.StoreID, req.ImageID)
	if err != nil {
		return nil, err
	}
	return s.encoder.Retrieve(ctx, store, path, req.Level, req.X, req.Y)
}

// Thumbnail returns the JPEG thumbnail of a converted image.
func (s *Service) Thumbnail(ctx context.Context, storeID, imageID uint32) ([]byte, error) {
	store, path, err := s.imageStore(ctx, storeID, imageID)
	if err != nil {
		return nil, err
	}
	return pyramid.ReadThumbnail(ctx, store, path)
}

// Layers returns the recorded pyramid levels of a converted image.
func (s *Service) Layers(ctx context.Context, storeID, imageID uint32) ([]slide.MetadataLayer, error) {
	return s.registry.Layers(ctx, storeID, imageID)
}

// CreateStore adds a registry store on the given array store alias, or the
// conversion store when alias is empty.
func (s *Service) CreateStore(ctx context.Context, name, alias string) (datastore.StoreRecord, error) {
	if alias == "" {
		alias = s.config.Conversion.Store
	}
	if _, found := s.stores[alias]; !found {
		return datastore.StoreRecord{}, slide.NewError(slide.RequestIntegrity, "create store", "no array store configured as %q", alias)
	}
	return s.registry.CreateStore(ctx, name, alias)
}

// ImportFile converts a source image file into a new image under parentID.
// An empty decoder name picks the decoder by the file's extension.
func (s *Service) ImportFile(ctx context.Context, storeID, parentID uint32, name, decoderName, filename string) (datastore.Node, error) {
	var dec codec.Decoder
	var err error
	if decoderName != "" {
		dec, err = codec.DecoderByName(decoderName)
	} else {
		dec, err = codec.DecoderForPath(filename)
	}
	if err != nil {
		return datastore.Node{}, err
	}
	src, err := dec.Open(filename)
	if err != nil {
		return datastore.Node{}, slide.WrapError(slide.RequestIntegrity, "open source", err)
	}
	defer src.Close()
	return s.Import(ctx, storeID, parentID, name, dec.Name(), src)
}

// Upload spools an uploaded source image to the upload directory and imports it.
// The original file name picks the decoder when decoderName is empty.
func (s *Service) Upload(ctx context.Context, storeID, parentID uint32, name, decoderName string, body io.Reader) (datastore.Node, error) {
	dir := s.config.Server.UploadDir
	if dir == "" {
		dir = os.TempDir()
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return datastore.Node{}, slide.WrapError(slide.ResourceCreation, "upload", err)
	}
	filename := filepath.Join(dir, fmt.Sprintf("upload-%s%s", uuid.NewV4(), strings.ToLower(filepath.Ext(name))))
	f, err := os.Create(filename)
	if err != nil {
		return datastore.Node{}, slide.WrapError(slide.ResourceCreation, "upload", err)
	}
	defer os.Remove(filename)

	limit := s.config.maxUploadBytes()
	n, err := io.Copy(f, io.LimitReader(body, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return datastore.Node{}, slide.WrapError(slide.ResourceCreation, "upload", err)
	}
	if n > limit {
		return datastore.Node{}, slide.NewError(slide.RequestIntegrity, "upload", "upload exceeds %s", humanize.IBytes(uint64(limit)))
	}
	if n == 0 {
		return datastore.Node{}, slide.NewError(slide.RequestIntegrity, "upload", "empty upload")
	}
	slide.Infof("Received %s upload %q for store %d\n", humanize.IBytes(uint64(n)), name, storeID)
	return s.ImportFile(ctx, storeID, parentID, name, decoderName, filename)
}

// Generate imports a synthetic image from a named generator.
func (s *Service) Generate(ctx context.Context, storeID, parentID uint32, name, generator string, config slide.Config) (datastore.Node, error) {
	gen, err := codec.GeneratorByName(generator)
	if err != nil {
		return datastore.Node{}, err
	}
	src, err := gen.Generate(config)
	if err != nil {
		return datastore.Node{}, slide.WrapError(slide.RequestIntegrity, "generate", err)
	}
	defer src.Close()
	return s.Import(ctx, storeID, parentID, name, gen.Name(), src)
}

// Import converts an opened source into a new image: the registry entry is
// reserved, the pyramid and thumbnail are written, and the levels recorded.
// Any failure removes both the reservation and whatever was written.
func (s *Service) Import(ctx context.Context, storeID, parentID uint32, name, decoder string, src codec.Source) (datastore.Node, error) {
	store, err := s.storeFor(ctx, storeID)
	if err != nil {
		return datastore.Node{}, err
	}
	node, err := s.registry.CreateImage(ctx, storeID, parentID, name, decoder)
	if err != nil {
		return datastore.Node{}, err
	}
	abort := func(err error) (datastore.Node, error) {
		cleanup := context.Background()
		if derr := storage.DeleteGroup(cleanup, store, node.Path); derr != nil {
			slide.Errorf("can't remove pyramid of failed import %s: %v\n", node, derr)
		}
		if _, derr := s.registry.HardDelete(cleanup, storeID, node.ID); derr != nil {
			slide.Errorf("can't remove registry entry of failed import %s: %v\n", node, derr)
		}
		return datastore.Node{}, err
	}

	timedLog := slide.NewTimeLog()
	levels, err := s.encoder.Convert(ctx, src, store, node.Path)
	if err != nil {
		slide.Errorf("conversion of %s failed: %v\n", node, err)
		return abort(err)
	}
	if err := pyramid.WriteThumbnail(ctx, src, store, node.Path, s.config.thumbnailSize()); err != nil {
		slide.Errorf("thumbnail of %s failed: %v\n", node, err)
		return abort(err)
	}
	if err := s.registry.RecordConversion(ctx, storeID, node.ID, levels); err != nil {
		return abort(err)
	}
	timedLog.Infof("Imported %s with %d levels", node, len(levels))
	storage.LogActivityToKafka(map[string]interface{}{
		"Action":  "convert",
		"Store":   storeID,
		"Image":   node.ID,
		"Decoder": decoder,
		"Levels":  len(levels),
		"Elapsed": timedLog.Elapsed().Seconds(),
		"Time":    time.Now().Unix(),
	})
	return s.registry.Node(ctx, storeID, node.ID)
}

// Delete removes a node.  A soft delete hides it; a hard delete also removes
// the pyramids of every image beneath it.
func (s *Service) Delete(ctx context.Context, storeID, id uint32, hard bool) error {
	if !hard {
		return s.registry.SoftDelete(ctx, storeID, id)
	}
	store, err := s.storeFor(ctx, storeID)
	if err != nil {
		return err
	}
	images, err := s.registry.HardDelete(ctx, storeID, id)
	if err != nil {
		return err
	}
	for _, img := range images {
		if err := storage.DeleteGroup(ctx, store, img.Path); err != nil {
			return slide.WrapError(slide.ResourceDeletion, "delete pyramid", err)
		}
	}
	if len(images) != 0 {
		s.encoder.ClearCache()
	}
	return nil
}

// ServerInfo describes the running server.
type ServerInfo struct {
	Host       string              `json:"host"`
	Note       string              `json:"note,omitempty"`
	Uptime     string              `json:"uptime"`
	Viewers    int                 `json:"viewers"`
	Stores     []string            `json:"stores"`
	Engines    string              `json:"engines"`
	Codecs     map[string][]string `json:"codecs"`
	CacheHits  int64               `json:"cache_hits"`
	CacheMiss  int64               `json:"cache_misses"`
	TileFormat string              `json:"tile_format"`
	ChunkIO    storage.IOStats     `json:"chunk_io"`
}

// Info returns a summary of the running server.
func (s *Service) Info() ServerInfo {
	aliases := make([]string, 0, len(s.stores))
	for alias := range s.stores {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	hits, misses := s.encoder.CacheStats()
	return ServerInfo{
		Host:       s.config.HostAlias(),
		Note:       s.config.Server.Note,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Viewers:    s.sockets.Len(),
		Stores:     aliases,
		Engines:    storage.EnginesAvailable(),
		Codecs:     codec.Names(),
		CacheHits:  hits,
		CacheMiss:  misses,
		TileFormat: s.encoder.Options().Format,
		ChunkIO:    storage.CurrentIOStats(),
	}
}
