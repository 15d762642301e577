// Package provider implements sandbox.Provider on top of pluggable
// key-value stores.
//
// A Host combines a Store with zap logging of guest log messages and
// secp256k1 signature verification. Stores are available in memory, on
// disk through badger and shared through redis; all are safe for
// concurrent use.
//
// Usage:
//
//	store, err := provider.NewBadgerStore(provider.BadgerOptions{Path: "./data"}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	host := provider.NewHost(store, logger)
//	result, err := executor.Execute(ctx, host, action)
package provider
