// Command idxserver is the mod_visus service entrypoint: it opens one
// dataset's textual header, wires a disk-backed access.Access to it, and
// serves the four §6.2 actions over HTTP.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/xiyuyi/visusgo/access"
	"github.com/xiyuyi/visusgo/dataset"
	"github.com/xiyuyi/visusgo/httpapi"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		listen      string
		name        string
		headerPath  string
		root        string
		cacheSize   int
		writable    bool
		maxInFlight int
		queueDepth  int
	)

	cmd := &cobra.Command{
		Use:   "idxserver",
		Short: "Serve one dataset over the mod_visus HTTP protocol",
		Long: `idxserver opens a dataset's textual header, wires it to a
block file tree rooted at --root, and serves readdataset, readblock,
writeblock and readbox over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(listen, name, headerPath, root, cacheSize, writable, maxInFlight, queueDepth)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":9090", "address to listen on")
	cmd.Flags().StringVar(&name, "dataset-name", "", "name the dataset is served under (required)")
	cmd.Flags().StringVar(&headerPath, "header", "", "path to the dataset's textual header file (required)")
	cmd.Flags().StringVar(&root, "root", "", "root directory of the dataset's block files (required)")
	cmd.Flags().IntVar(&cacheSize, "cache-size", 64, "open block file handles to keep cached")
	cmd.Flags().BoolVar(&writable, "writes", false, "accept writeblock requests")
	cmd.Flags().IntVar(&maxInFlight, "max-in-flight", 32, "concurrent requests served at once")
	cmd.Flags().IntVar(&queueDepth, "queue-depth", 64, "requests allowed to wait for a free slot before 503")

	_ = cmd.MarkFlagRequired("dataset-name")
	_ = cmd.MarkFlagRequired("header")
	_ = cmd.MarkFlagRequired("root")

	return cmd
}

// buildServer opens headerPath, wires a disk-backed access.Access rooted at
// root to the parsed dataset, and registers it under name on a fresh
// *httpapi.Server. Split out of run so it can be exercised without binding
// a listener.
func buildServer(name, headerPath, root string, cacheSize int, writable bool, maxInFlight, queueDepth int) (*httpapi.Server, error) {
	f, err := os.Open(headerPath)
	if err != nil {
		return nil, fmt.Errorf("open dataset header: %w", err)
	}
	defer f.Close()

	ds, err := dataset.Open(f)
	if err != nil {
		return nil, fmt.Errorf("parse dataset header: %w", err)
	}

	dims := []int{1 << uint(ds.BitsPerBlock)}
	da, err := access.NewDiskAccess(root, ds.BlocksPerFile, dims, access.WithOpenFileCacheSize(cacheSize))
	if err != nil {
		return nil, fmt.Errorf("open disk access: %w", err)
	}

	srv := httpapi.NewServer(
		httpapi.WithWritesEnabled(writable),
		httpapi.WithMaxInFlight(maxInFlight),
		httpapi.WithQueueDepth(queueDepth),
	)
	if err := srv.RegisterDataset(name, ds, da); err != nil {
		return nil, fmt.Errorf("register dataset %q: %w", name, err)
	}

	return srv, nil
}

func run(listen, name, headerPath, root string, cacheSize int, writable bool, maxInFlight, queueDepth int) error {
	srv, err := buildServer(name, headerPath, root, cacheSize, writable, maxInFlight, queueDepth)
	if err != nil {
		return err
	}
	defer srv.Close()

	fmt.Fprintf(os.Stdout, "idxserver: serving %q on %s\n", name, listen)

	return http.ListenAndServe(listen, srv)
}
