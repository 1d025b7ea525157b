package main

import (
	"context"
	"fmt"
	"os"

	"github.com/amescornish/buttersync/internal/model"
	"github.com/amescornish/buttersync/internal/store"
	"github.com/amescornish/buttersync/internal/store/btrfsstore"
	"github.com/amescornish/buttersync/internal/store/sshstore"
)

// runServer implements the "--server" side spawned by a peer's
// sshstore.Dial: it answers the peer protocol against a local btrfs
// store over stdin/stdout, and exits when the peer hangs up or sends
// "quit".
func runServer(ctx context.Context, modeFlag, dir string, compress bool) error {
	mode, err := store.ParseMode(modeFlag)
	if err != nil {
		return fmt.Errorf("buttersync: --server: %w", err)
	}

	backend := btrfsstore.New("ssh-server:"+dir, dir, btrfsstore.WithMode(mode))
	srv := &sshstore.Server{Store: backend, Mode: mode, Known: model.NewKnownSizes(), Compress: compress}
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}
