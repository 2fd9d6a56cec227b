//go:build integration

package typesense

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/preauthagent/pkg/config"
)

func TestClient_EnsureCollection_Integration(t *testing.T) {
	url := os.Getenv("TYPESENSE_URL")
	if url == "" {
		t.Skip("TYPESENSE_URL not set")
	}

	client, err := NewClient(&config.TypesenseConfig{URL: url, APIKey: os.Getenv("TYPESENSE_API_KEY")})
	require.NoError(t, err)

	ctx := context.Background()
	name := "preauth-test-kb"
	require.NoError(t, client.DropCollection(ctx, name))
	t.Cleanup(func() { _ = client.DropCollection(ctx, name) })

	require.NoError(t, client.EnsureCollection(ctx, name))
	// Second call finds the existing collection.
	require.NoError(t, client.EnsureCollection(ctx, name))

	collection, err := client.Client().Collection(name).Retrieve(ctx)
	require.NoError(t, err)
	assert.Equal(t, name, collection.Name)
}

func TestKnowledgeBaseSchema(t *testing.T) {
	schema := KnowledgeBaseSchema("kb-1")
	assert.Equal(t, "kb-1", schema.Name)

	names := make([]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"id", "text", "location", "patient_id", "ordinal"}, names)
}
