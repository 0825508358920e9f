// Command-line interface to slidetile: serve viewers or convert images offline.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"github.com/janelia-flyem/slidetile/codec"
	"github.com/janelia-flyem/slidetile/codec/pyramid"
	"github.com/janelia-flyem/slidetile/server"
	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"

	// Available decoders and generators.
	_ "github.com/janelia-flyem/slidetile/codec/raster"
	_ "github.com/janelia-flyem/slidetile/codec/synthetic"

	// Available array store engines.
	_ "github.com/janelia-flyem/slidetile/storage/badger"
	_ "github.com/janelia-flyem/slidetile/storage/blobstore"
	_ "github.com/janelia-flyem/slidetile/storage/filestore"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// TOML configuration for serve.
	configFile = flag.String("config", "", "")

	// Array store engine for offline commands.
	engine = flag.String("engine", "filestore", "")

	// Chunk compression for offline conversion.
	compression = flag.String("codec", storage.DefaultCodec, "")

	// Tile format and quality for the tile command.
	format  = flag.String("format", pyramid.FormatJPEG, "")
	quality = flag.Int("quality", slide.DefaultJPEGQuality, "")

	// Decoder name, overriding the one chosen by file extension.
	decoderName = flag.String("decoder", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
slidetile converts whole-slide images into tiled pyramids and serves their tiles

Usage: slidetile [options] <command>

      -config     =string   TOML configuration file for serve.
      -engine     =string   Array store engine for offline commands (default filestore).
      -codec      =string   Chunk compression for convert and generate.
      -decoder    =string   Source decoder, overriding the file extension.
      -format     =string   Tile format for the tile command: jpeg, png or raw.
      -quality    =number   JPEG quality for the tile command.
      -cpuprofile =string   Write CPU profile to this file.
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	serve
	convert  <source file> <store path> <group>
	generate <generator> <store path> <group> [width] [height] [levels]
	tile     <store path> <group> <level> <x> <y> <output file>
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() {
		fmt.Print(helpMessage)
	}
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *runVerbose {
		slide.Verbose = true
		slide.SetLogMode(slide.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	if *useCPU != 0 {
		slide.NumCPU = *useCPU
		runtime.GOMAXPROCS(slide.NumCPU)
	}

	// Capture ctrl+c and other interrupts, then let commands shut down gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := DoCommand(ctx, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		stop()
		pprof.StopCPUProfile()
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(ctx context.Context, args []string) error {
	switch args[0] {
	case "about":
		fmt.Printf("slidetile %s\n", server.Version)
		fmt.Printf("Storage engines: %s\n", storage.EnginesAvailable())
		for kind, names := range codec.Names() {
			fmt.Printf("%s: %s\n", kind, strings.Join(names, ", "))
		}
		return nil
	case "serve":
		return DoServe(ctx)
	case "convert":
		return DoConvert(ctx, args[1:])
	case "generate":
		return DoGenerate(ctx, args[1:])
	case "tile":
		return DoTile(ctx, args[1:])
	default:
		return fmt.Errorf("unknown command %q, try 'slidetile help'", args[0])
	}
}

// DoServe runs the server until interrupted.
func DoServe(ctx context.Context) error {
	c := server.DefaultConfig()
	if *configFile != "" {
		var err error
		if c, err = server.LoadConfig(*configFile); err != nil {
			return err
		}
	} else {
		slide.Warningf("No -config given: serving in-memory stores at %s\n", c.Server.HTTPAddress)
	}
	return server.Serve(ctx, c)
}

func openStore(path string) (storage.Store, error) {
	config := slide.NewConfig()
	config.Set("path", path)
	store, created, err := storage.NewStore(slide.StoreConfig{Config: config, Engine: *engine})
	if err != nil {
		return nil, err
	}
	if created {
		slide.Infof("Created %s store at %s\n", *engine, path)
	}
	return store, nil
}

// convert writes the pyramid and thumbnail of src into group of the store at path.
func convert(ctx context.Context, src codec.Source, path, group string) error {
	store, err := openStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := pyramid.DefaultOptions()
	opts.Compression = *compression
	enc := pyramid.New(opts)
	timedLog := slide.NewTimeLog()
	levels, err := enc.Convert(ctx, src, store, group)
	if err != nil {
		return err
	}
	if err := pyramid.WriteThumbnail(ctx, src, store, group, pyramid.DefaultThumbnailSize); err != nil {
		return err
	}
	timedLog.Infof("Converted %d levels into %s/%s", len(levels), path, group)
	for _, layer := range levels {
		fmt.Println(layer)
	}
	return nil
}

// DoConvert converts a source image file.
func DoConvert(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("convert requires <source file> <store path> <group>")
	}
	var dec codec.Decoder
	var err error
	if *decoderName != "" {
		dec, err = codec.DecoderByName(*decoderName)
	} else {
		dec, err = codec.DecoderForPath(args[0])
	}
	if err != nil {
		return err
	}
	src, err := dec.Open(args[0])
	if err != nil {
		return err
	}
	defer src.Close()
	return convert(ctx, src, args[1], args[2])
}

// DoGenerate converts a synthetic image.
func DoGenerate(ctx context.Context, args []string) error {
	if len(args) < 3 || len(args) > 6 {
		return fmt.Errorf("generate requires <generator> <store path> <group> [width] [height] [levels]")
	}
	gen, err := codec.GeneratorByName(args[0])
	if err != nil {
		return err
	}
	config := slide.NewConfig()
	for i, key := range []string{"width", "height", "levels"} {
		if len(args) > 3+i {
			config.Set(key, args[3+i])
		}
	}
	src, err := gen.Generate(config)
	if err != nil {
		return err
	}
	defer src.Close()
	return convert(ctx, src, args[1], args[2])
}

// DoTile writes one retrieved tile to a file.
func DoTile(ctx context.Context, args []string) error {
	if len(args) != 6 {
		return fmt.Errorf("tile requires <store path> <group> <level> <x> <y> <output file>")
	}
	var coords [3]uint32
	for i := range coords {
		n, err := strconv.ParseUint(args[2+i], 10, 32)
		if err != nil {
			return fmt.Errorf("bad tile coordinate %q: %v", args[2+i], err)
		}
		coords[i] = uint32(n)
	}
	store, err := openStore(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	opts := pyramid.DefaultOptions()
	opts.Format = *format
	opts.Quality = *quality
	data, err := pyramid.New(opts).Retrieve(ctx, store, args[1], coords[0], coords[1], coords[2])
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[5], data, 0644); err != nil {
		return err
	}
	fmt.Printf("Wrote %d byte %s tile to %s\n", len(data), opts.Format, args[5])
	return nil
}
