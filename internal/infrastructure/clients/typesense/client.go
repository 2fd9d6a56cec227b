package typesense

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
	"github.com/zatekoja/preauthagent/pkg/config"
	"github.com/zatekoja/preauthagent/pkg/retry"
)

// Client represents a Typesense client
type Client struct {
	client *typesense.Client
}

// NewClient creates a new Typesense client with exponential backoff retry
func NewClient(cfg *config.TypesenseConfig) (*Client, error) {
	client := newTypesenseClient(cfg)

	err := retry.DoWithLog(
		context.Background(),
		retry.DefaultConfig(),
		"Typesense",
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := client.Health(ctx, 2*time.Second)
			return err
		},
		func(attempt int, err error, nextDelay time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", nextDelay).Msg("Typesense connection attempt failed")
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Typesense after retries: %w", err)
	}

	log.Info().Str("url", cfg.URL).Msg("Successfully connected to Typesense")
	return &Client{client: client}, nil
}

// NewUncheckedClient creates a client without waiting for the server to be
// healthy.
func NewUncheckedClient(cfg *config.TypesenseConfig) *Client {
	return &Client{client: newTypesenseClient(cfg)}
}

func newTypesenseClient(cfg *config.TypesenseConfig) *typesense.Client {
	return typesense.NewClient(
		typesense.WithServer(cfg.URL),
		typesense.WithAPIKey(cfg.APIKey),
		typesense.WithConnectionTimeout(5*time.Second),
	)
}

// Client returns the underlying Typesense client
func (c *Client) Client() *typesense.Client {
	return c.client
}

// KnowledgeBaseSchema is the collection layout shared by every knowledge
// base. patient_id is empty for policy documents.
func KnowledgeBaseSchema(name string) *api.CollectionSchema {
	return &api.CollectionSchema{
		Name: name,
		Fields: []api.Field{
			{Name: "id", Type: "string"},
			{Name: "text", Type: "string"},
			{Name: "location", Type: "string", Index: pointer.False(), Optional: pointer.True()},
			{Name: "patient_id", Type: "string", Facet: pointer.True(), Optional: pointer.True()},
			{Name: "ordinal", Type: "int32"},
		},
		DefaultSortingField: pointer.String("ordinal"),
	}
}

// EnsureCollection creates the named knowledge base collection if missing.
func (c *Client) EnsureCollection(ctx context.Context, name string) error {
	if _, err := c.client.Collection(name).Retrieve(ctx); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("failed to retrieve collection %s: %w", name, err)
	}

	if _, err := c.client.Collections().Create(ctx, KnowledgeBaseSchema(name)); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	log.Info().Str("collection", name).Msg("Created Typesense collection")
	return nil
}

// DropCollection deletes the named collection. A missing collection is not
// an error.
func (c *Client) DropCollection(ctx context.Context, name string) error {
	if _, err := c.client.Collection(name).Delete(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var httpErr *typesense.HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}
