// Package catalog is the provider service: it reads and writes provider
// records and turns their stored JSON columns into typed values.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gonube/pkg/provider"
	"github.com/3leaps/gonube/pkg/providerstore"
)

// Store is the persistence the catalog needs. *providerstore.Store
// implements it.
type Store interface {
	InsertProvider(ctx context.Context, r providerstore.NewRow) (int64, error)
	GetProvider(ctx context.Context, id int64) (*providerstore.Row, error)
	ListActiveProviders(ctx context.Context) ([]providerstore.SummaryRow, error)
	UpdateConnectionState(ctx context.Context, id int64, state string, checkedAt time.Time, message *string) error
	SetActive(ctx context.Context, id int64, active bool) error
	DeleteProvider(ctx context.Context, id int64) error
}

var _ Store = (*providerstore.Store)(nil)

// Catalog implements provider lookup, listing and registration.
type Catalog struct {
	store  Store
	logger *zap.Logger
}

// New returns a catalog over store.
func New(store Store, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{store: store, logger: logger}
}

// GetProvider returns the provider with id. Credentials and configuration
// are always decoded maps, whichever form the store returned them in.
func (c *Catalog) GetProvider(ctx context.Context, id int64) (*provider.Provider, error) {
	row, err := c.store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}

	typ, err := provider.ParseType(row.Type)
	if err != nil {
		return nil, fmt.Errorf("provider %d: %w", id, err)
	}
	creds, err := normalizeBlob(row.Credentials)
	if err != nil {
		return nil, fmt.Errorf("provider %d: credenciales: %w", id, err)
	}
	cfg, err := normalizeBlob(row.Configuration)
	if err != nil {
		return nil, fmt.Errorf("provider %d: configuracion: %w", id, err)
	}

	return &provider.Provider{
		ID:               row.ID,
		Name:             row.Name,
		Type:             typ,
		Credentials:      provider.Credentials(creds),
		Configuration:    provider.Configuration(cfg),
		Active:           row.Active,
		ConnectionState:  provider.ConnectionState(row.State),
		LastCheckedAt:    row.LastCheckedAt,
		LastErrorMessage: row.LastErrorMessage,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

// ListActiveProviders returns active providers without their secrets.
func (c *Catalog) ListActiveProviders(ctx context.Context) ([]provider.Summary, error) {
	rows, err := c.store.ListActiveProviders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Summary, 0, len(rows))
	for _, r := range rows {
		out = append(out, provider.Summary{
			ID:              r.ID,
			Name:            r.Name,
			Type:            provider.Type(r.Type),
			ConnectionState: provider.ConnectionState(r.State),
		})
	}
	return out, nil
}

// RegisterProvider validates reg against its type's credential variant,
// stores it in the pending state and returns the created record.
func (c *Catalog) RegisterProvider(ctx context.Context, reg provider.Registration) (*provider.Provider, error) {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return nil, provider.Required("name")
	}
	if strings.TrimSpace(reg.Type) == "" {
		return nil, provider.Required("type")
	}
	typ, err := provider.ParseType(reg.Type)
	if err != nil {
		return nil, err
	}
	if len(reg.Credentials) == 0 {
		return nil, provider.Required("credentials")
	}
	if len(reg.Configuration) == 0 {
		return nil, provider.Required("configuration")
	}
	if _, err := provider.DecodeCredentials(typ, reg.Credentials); err != nil {
		return nil, err
	}
	if _, err := provider.DecodeOptions(reg.Configuration); err != nil {
		return nil, err
	}

	creds, err := json.Marshal(reg.Credentials)
	if err != nil {
		return nil, &provider.ValidationError{Field: "credentials", Message: err.Error()}
	}
	cfg, err := json.Marshal(reg.Configuration)
	if err != nil {
		return nil, &provider.ValidationError{Field: "configuration", Message: err.Error()}
	}

	active := true
	if reg.Active != nil {
		active = *reg.Active
	}

	id, err := c.store.InsertProvider(ctx, providerstore.NewRow{
		Name:          name,
		Type:          typ.String(),
		Credentials:   string(creds),
		Configuration: string(cfg),
		Active:        active,
		State:         string(provider.StatePending),
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("provider registered",
		zap.Int64("provider_id", id),
		zap.String("provider_type", typ.String()),
		zap.String("name", name),
	)
	return c.GetProvider(ctx, id)
}

// RecordConnectionCheck persists the outcome of a connectivity test.
func (c *Catalog) RecordConnectionCheck(ctx context.Context, id int64, check provider.ConnectionCheck) error {
	switch check.State {
	case provider.StateConnected, provider.StateError:
	default:
		return &provider.ValidationError{Field: "state", Message: fmt.Sprintf("cannot record %q", check.State)}
	}
	return c.store.UpdateConnectionState(ctx, id, string(check.State), check.CheckedAt, check.Message)
}

// SetActive enables or disables a provider.
func (c *Catalog) SetActive(ctx context.Context, id int64, active bool) error {
	if err := c.store.SetActive(ctx, id, active); err != nil {
		return err
	}
	c.logger.Info("provider active flag changed", zap.Int64("provider_id", id), zap.Bool("active", active))
	return nil
}

// DeleteProvider removes a provider record.
func (c *Catalog) DeleteProvider(ctx context.Context, id int64) error {
	if err := c.store.DeleteProvider(ctx, id); err != nil {
		return err
	}
	c.logger.Info("provider deleted", zap.Int64("provider_id", id))
	return nil
}

// normalizeBlob returns v as a map. Serialized JSON objects are decoded;
// maps pass through. Absent values decode to an empty map.
func normalizeBlob(v any) (map[string]any, error) {
	switch x := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return x, nil
	case provider.Credentials:
		return map[string]any(x), nil
	case provider.Configuration:
		return map[string]any(x), nil
	case string:
		return decodeObject([]byte(x))
	case []byte:
		return decodeObject(x)
	case json.RawMessage:
		return decodeObject(x)
	default:
		return nil, fmt.Errorf("unsupported stored type %T", v)
	}
}

func decodeObject(b []byte) (map[string]any, error) {
	if strings.TrimSpace(string(b)) == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode JSON object: %w", err)
	}
	if m == nil {
		// JSON null
		m = map[string]any{}
	}
	return m, nil
}
