package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/amescornish/buttersync/internal/config"
	"github.com/amescornish/buttersync/internal/store"
	"github.com/amescornish/buttersync/internal/store/btrfsstore"
	"github.com/amescornish/buttersync/internal/store/s3store"
	"github.com/amescornish/buttersync/internal/store/sshstore"
)

// buildStore turns one StoreConfig into a live store.Store, the way a
// CLI layer is expected to per SPEC_FULL §1.1: internal/config only
// describes stores, it never constructs one.
func buildStore(ctx context.Context, name string, sc config.StoreConfig, g config.GlobalConfig, dryRun bool) (store.Store, error) {
	switch sc.Type {
	case "btrfs":
		return buildBtrfsStore(name, sc.Btrfs, dryRun), nil
	case "s3":
		return buildS3Store(ctx, name, sc.S3, dryRun)
	case "ssh":
		return buildSSHStore(ctx, name, sc.SSH, g)
	default:
		return nil, fmt.Errorf("buttersync: unknown store type %q", sc.Type)
	}
}

func buildBtrfsStore(name string, bc *config.BtrfsStoreConfig, dryRun bool) store.Store {
	opts := []btrfsstore.Option{btrfsstore.WithDryRun(dryRun)}
	if bc.UserVolume != "" {
		opts = append(opts, btrfsstore.WithUserVolume(bc.UserVolume))
	}
	return btrfsstore.New(name, bc.Root, opts...)
}

func buildS3Store(ctx context.Context, name string, sc *config.S3StoreConfig, dryRun bool) (store.Store, error) {
	var awsOpts []func(*awsconfig.LoadOptions) error
	if sc.Region != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(sc.Region))
	}
	if sc.AccessKeyID != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKeyID, sc.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("buttersync: loading aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = &sc.Endpoint
		}
	})

	opts := []s3store.Option{s3store.WithDryRun(dryRun)}
	if sc.UserVolume != "" {
		opts = append(opts, s3store.WithUserVolume(sc.UserVolume))
	}
	return s3store.New(name, client, sc.Bucket, sc.Prefix, opts...), nil
}

func buildSSHStore(ctx context.Context, name string, sc *config.SSHStoreConfig, g config.GlobalConfig) (store.Store, error) {
	mode, err := store.ParseMode(sc.Mode)
	if err != nil {
		return nil, fmt.Errorf("buttersync: store %q: %w", name, err)
	}

	sshBinary := g.SSHBinary
	if sshBinary == "" {
		sshBinary = "ssh"
	}
	remoteBinary := g.RemoteBinary
	if remoteBinary == "" {
		remoteBinary = "buttersync"
	}

	var sshArgs []string
	if sc.IdentityFile != "" {
		sshArgs = append(sshArgs, "-i", sc.IdentityFile)
	}

	var opts []sshstore.Option
	if sc.Compress {
		opts = append(opts, sshstore.WithCompress(true))
	}
	return sshstore.DialWithOptions(ctx, sshBinary, sc.Host, remoteBinary, sc.Dir, mode, sc.Compress, opts, sshArgs...)
}
