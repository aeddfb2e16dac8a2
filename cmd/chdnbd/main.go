// Command chdnbd serves the decompressed contents of a CHD v5 image as a
// network block device. The image may be a plain .chd file or the first
// .chd member of a .zip/.7z/.rar archive.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/pojntfx/go-nbd/pkg/server"

	"github.com/ksv1986/go-chdnbd/archive"
	"github.com/ksv1986/go-chdnbd/chd"
	"github.com/ksv1986/go-chdnbd/nbdexport"
)

var (
	listenAddr = flag.String("listen", "127.0.0.1:10809", "address to listen on")
	exportName = flag.String("export", "", "NBD export name")
	info       = flag.Bool("info", false, "print image information and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <image.chd | archive>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Serves a CHD v5 image as a network block device.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s game.chd\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -info game.zip\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	path := flag.Arg(0)

	img, cleanup, err := openImage(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening image: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if *info {
		printInfo(img)
		return
	}

	if err := serve(img); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openImage opens a plain CHD file or the first CHD inside an archive.
func openImage(path string) (*chd.CHD, func(), error) {
	if !archive.IsArchiveExtension(filepath.Ext(path)) {
		img, err := chd.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return img, func() { _ = img.Close() }, nil
	}

	arc, err := archive.Open(path)
	if err != nil {
		return nil, nil, err
	}

	member, err := archive.FindImage(arc, path)
	if err != nil {
		_ = arc.Close()
		return nil, nil, err
	}

	reader, _, closer, err := arc.OpenReaderAt(member)
	if err != nil {
		_ = arc.Close()
		return nil, nil, err
	}

	img, err := chd.New(reader)
	if err != nil {
		_ = closer.Close()
		_ = arc.Close()
		return nil, nil, err
	}

	return img, func() {
		_ = closer.Close()
		_ = arc.Close()
	}, nil
}

// serve accepts clients sequentially: the image reader holds per-codec
// state, so one transmission loop runs at a time.
func serve(img *chd.CHD) error {
	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *listenAddr, err)
	}
	defer func() { _ = listener.Close() }()

	slog.Info("serving image",
		"listen", *listenAddr,
		"size", img.Size(),
		"hunks", img.HunkCount())

	backend := nbdexport.New(img)
	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		handleClient(conn, backend)
	}
}

func handleClient(conn net.Conn, backend *nbdexport.Backend) {
	defer func() { _ = conn.Close() }()

	slog.Info("client connected", "remote", conn.RemoteAddr())
	err := server.Handle(conn,
		[]*server.Export{{
			Name:        *exportName,
			Description: "CHD image",
			Backend:     backend,
		}},
		&server.Options{
			ReadOnly:           false,
			MinimumBlockSize:   1,
			PreferredBlockSize: 4096,
			MaximumBlockSize:   32 * 1024 * 1024,
		})
	if err != nil && !errors.Is(err, io.EOF) {
		slog.Error("client session ended", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	slog.Info("client disconnected", "remote", conn.RemoteAddr())
}

func printInfo(img *chd.CHD) {
	header := img.Header()
	fmt.Printf("Logical size: %d bytes\n", img.Size())
	fmt.Printf("Hunk size: %d bytes (%d hunks)\n", img.HunkBytes(), img.HunkCount())
	fmt.Printf("Unit size: %d bytes\n", header.UnitBytes)

	fmt.Printf("Codecs:")
	for i := range header.Compressors {
		fmt.Printf(" %s", img.CodecName(i))
	}
	fmt.Println()

	names := [...]string{"codec0", "codec1", "codec2", "codec3", "none", "self", "parent"}
	dist := img.CompressionDistribution()
	fmt.Printf("Hunks by type:")
	for i, count := range dist {
		if count > 0 {
			fmt.Printf(" %s=%d", names[i], count)
		}
	}
	fmt.Println()

	if meta := img.Metadata(); len(meta) > 0 {
		fmt.Println("Metadata:")
		for i := range meta {
			fmt.Printf("  %s: %d bytes\n", meta[i].TagString(), len(meta[i].Data))
		}
	}
}
