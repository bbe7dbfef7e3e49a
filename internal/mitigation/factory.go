// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package mitigation

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/excubitor/internal/config"
)

// NewStore creates the Store selected by configuration: "memory" for the
// in-process store, "badger" for the persistent one.
func NewStore(cfg config.MitigationConfig) (Store, error) {
	switch cfg.Store {
	case "memory", "":
		return NewMemoryStore(), nil
	case "badger":
		opts := badger.DefaultOptions(cfg.BadgerPath)
		opts.Logger = nil // Suppress BadgerDB logs

		db, err := badger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("open badger db for mitigations: %w", err)
		}
		return NewBadgerStore(db), nil
	default:
		return nil, fmt.Errorf("unknown mitigation store %q", cfg.Store)
	}
}
