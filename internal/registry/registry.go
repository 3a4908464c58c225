// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/kv"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/validation"
)

const keyPrefix = "config/"

// CopySuffix is appended to the name of a duplicated configuration.
const CopySuffix = " (Copie)"

// ErrNotFound is returned for unknown configuration ids.
var ErrNotFound = errors.New("configuration not found")

// Frequency is how often a configuration runs on its own.
type Frequency string

const (
	FrequencyManual  Frequency = "manual"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Configuration is a named backup recipe. Encryption is not a field: every
// archive is encrypted.
type Configuration struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name" validate:"required,max=200"`
	BackupType         codec.BackupType `json:"backup_type" validate:"required,backup_type"`
	Frequency          Frequency        `json:"frequency" validate:"required,frequency"`
	IsActive           bool             `json:"is_active"`
	IncludeFiles       bool             `json:"include_files"`
	CompressionEnabled bool             `json:"compression_enabled"`
	RetentionDays      int              `json:"retention_days" validate:"gte=1,lte=365"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Input carries create and update payloads. Nil fields take defaults on
// create and stay unchanged on update.
type Input struct {
	Name               *string `json:"name"`
	BackupType         *string `json:"backup_type"`
	Frequency          *string `json:"frequency"`
	IsActive           *bool   `json:"is_active"`
	IncludeFiles       *bool   `json:"include_files"`
	CompressionEnabled *bool   `json:"compression_enabled"`
	RetentionDays      *int    `json:"retention_days"`

	// EncryptionEnabled is accepted for client compatibility and ignored.
	EncryptionEnabled *bool `json:"encryption_enabled,omitempty"`
}

// Registry stores configurations in the kv store.
type Registry struct {
	store            *kv.Store
	defaultRetention int
	now              func() time.Time
}

// New returns a registry. defaultRetention applies when a create omits
// retention_days.
func New(store *kv.Store, defaultRetention int) *Registry {
	if defaultRetention < 1 || defaultRetention > 365 {
		defaultRetention = 30
	}
	return &Registry{store: store, defaultRetention: defaultRetention, now: time.Now}
}

func (in *Input) apply(c *Configuration) {
	if in.Name != nil {
		c.Name = strings.TrimSpace(*in.Name)
	}
	if in.BackupType != nil {
		c.BackupType = codec.BackupType(*in.BackupType)
	}
	if in.Frequency != nil {
		c.Frequency = Frequency(*in.Frequency)
	}
	if in.IsActive != nil {
		c.IsActive = *in.IsActive
	}
	if in.IncludeFiles != nil {
		c.IncludeFiles = *in.IncludeFiles
	}
	if in.CompressionEnabled != nil {
		c.CompressionEnabled = *in.CompressionEnabled
	}
	if in.RetentionDays != nil {
		c.RetentionDays = *in.RetentionDays
	}
}

// Create validates and stores a new configuration.
func (r *Registry) Create(ctx context.Context, in Input) (*Configuration, error) {
	now := r.now().UTC()
	c := &Configuration{
		ID:                 uuid.NewString(),
		BackupType:         codec.TypeFull,
		Frequency:          FrequencyManual,
		IsActive:           true,
		CompressionEnabled: true,
		RetentionDays:      r.defaultRetention,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	in.apply(c)
	if err := r.save(c); err != nil {
		return nil, err
	}
	logging.Ctx(ctx).Info().Str("configuration_id", c.ID).Str("name", c.Name).Msg("Configuration created")
	return c, nil
}

// Update applies in to an existing configuration.
func (r *Registry) Update(ctx context.Context, id string, in Input) (*Configuration, error) {
	var out *Configuration
	err := r.store.Update(func(txn *badger.Txn) error {
		var c Configuration
		if err := kv.GetJSON(txn, keyPrefix+id, &c); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		in.apply(&c)
		c.UpdatedAt = r.now().UTC()
		if verr := validation.ValidateStruct(&c); verr != nil {
			return verr
		}
		out = &c
		return kv.SetJSON(txn, keyPrefix+id, &c)
	})
	if err != nil {
		return nil, err
	}
	logging.Ctx(ctx).Info().Str("configuration_id", id).Msg("Configuration updated")
	return out, nil
}

// Get returns one configuration.
func (r *Registry) Get(ctx context.Context, id string) (*Configuration, error) {
	var c Configuration
	if err := r.store.Get(keyPrefix+id, &c); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// List returns every configuration, newest first.
func (r *Registry) List(ctx context.Context) ([]*Configuration, error) {
	var out []*Configuration
	err := r.store.Scan(keyPrefix, func(key string, raw []byte) error {
		var c Configuration
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, &c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Active returns active configurations with a non-manual frequency.
func (r *Registry) Active(ctx context.Context) ([]*Configuration, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Configuration
	for _, c := range all {
		if c.IsActive && c.Frequency != FrequencyManual {
			out = append(out, c)
		}
	}
	return out, nil
}

// Delete removes a configuration. Runs that reference it are not touched
// here; the ledger detaches them.
func (r *Registry) Delete(ctx context.Context, id string) (*Configuration, error) {
	var c Configuration
	err := r.store.Update(func(txn *badger.Txn) error {
		if err := kv.GetJSON(txn, keyPrefix+id, &c); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete([]byte(keyPrefix + id))
	})
	if err != nil {
		return nil, err
	}
	logging.Ctx(ctx).Info().Str("configuration_id", id).Msg("Configuration deleted")
	return &c, nil
}

// Duplicate copies a configuration under "<name> (Copie)", inactive.
func (r *Registry) Duplicate(ctx context.Context, id string) (*Configuration, error) {
	src, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	c := *src
	c.ID = uuid.NewString()
	c.Name = src.Name + CopySuffix
	c.IsActive = false
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := r.save(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Registry) save(c *Configuration) error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return verr
	}
	return r.store.Put(keyPrefix+c.ID, c)
}
