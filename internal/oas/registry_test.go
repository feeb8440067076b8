package oas

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const crmSpec = `
openapi: 3.0.3
info:
  title: CRM API
  version: 1.0.0
servers:
  - url: https://api.crm.example.com/v2
paths:
  /contacts:
    parameters:
      - name: account
        in: query
        required: true
        schema:
          type: string
    get:
      operationId: listContacts
      parameters:
        - name: page
          in: query
          schema:
            type: integer
        - name: updated_since
          in: query
          schema:
            type: string
      responses:
        "200":
          description: Contact collection
          content:
            application/json:
              schema:
                type: object
                properties:
                  contacts:
                    type: array
                    items:
                      type: object
    post:
      operationId: createContact
      responses:
        "201":
          description: Created
  /contacts/{id}:
    get:
      operationId: getContact
      parameters:
        - name: id
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          description: One contact
`

func loadedRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	require.NoError(t, r.LoadData(context.Background(), "crm", []byte(crmSpec)))
	return r
}

func TestRegistryResolve(t *testing.T) {
	r := loadedRegistry(t)

	op, err := r.Resolve("crm", "listContacts")
	require.NoError(t, err)
	assert.Equal(t, "GET", op.Method)
	assert.Equal(t, "/contacts", op.Path)

	names := make([]string, 0, len(op.QueryParams))
	for _, p := range op.QueryParams {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"account", "page", "updated_since"}, names)

	// Path-level parameters apply; path placeholders are not query params.
	op, err = r.Resolve("crm", "getContact")
	require.NoError(t, err)
	assert.Equal(t, "/contacts/{id}", op.Path)
	assert.Empty(t, op.QueryParams)
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := loadedRegistry(t)

	_, err := r.Resolve("crm", "deleteEverything")
	assert.ErrorIs(t, err, ErrOperationNotFound)

	_, err = r.Resolve("billing", "listContacts")
	assert.ErrorIs(t, err, ErrSpecNotLoaded)
}

func TestRegistryResponseSchema(t *testing.T) {
	r := loadedRegistry(t)

	schema, ok := r.ResponseSchema("crm", "listContacts")
	require.True(t, ok)
	require.NotNil(t, schema)
	assert.Contains(t, schema.Properties, "contacts")

	// createContact declares no 200 response.
	_, ok = r.ResponseSchema("crm", "createContact")
	assert.False(t, ok)
}

func TestRegistryBaseURL(t *testing.T) {
	r := loadedRegistry(t)

	base, ok := r.BaseURL("crm")
	require.True(t, ok)
	assert.Equal(t, "https://api.crm.example.com/v2", base)

	_, ok = r.BaseURL("billing")
	assert.False(t, ok)
}

func TestRegistryLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(crmSpec), 0o644))

	r := NewRegistry(nil)
	require.NoError(t, r.Load(context.Background(), "crm", path))
	assert.True(t, r.Loaded("crm"))

	op, err := r.Resolve("crm", "createContact")
	require.NoError(t, err)
	assert.Equal(t, "POST", op.Method)
}

func TestRegistryLoadMissingFile(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Load(context.Background(), "crm", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
	assert.False(t, r.Loaded("crm"))
}
