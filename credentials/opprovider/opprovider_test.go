package opprovider

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shery7378/multifront-sub002/credentials"
)

func TestWithOnePassword_RejectsBareReference(t *testing.T) {
	r := credentials.NewResolver(WithOnePassword())
	_, err := r.ResolveReader(context.Background(), strings.NewReader(`{"auth_token": {{ op "vault/item" | json }}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "must start with op://")
}

func TestWithOnePassword_MissingBinary(t *testing.T) {
	old := Binary
	Binary = "storefront-op-does-not-exist"
	t.Cleanup(func() { Binary = old })

	r := credentials.NewResolver(WithOnePassword())
	_, err := r.ResolveReader(context.Background(), strings.NewReader(`{"api": {"token": {{ op "op://shop/api/token" | json }}}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), `provider "op" failed`)
}
