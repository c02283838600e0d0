package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalogNameValidation(t *testing.T) {
	var cases = []struct {
		name  string
		valid bool
	}{
		{"acmeCo/anvils", true},
		{"acmeCo/products/anvils", true},
		{"acme-co/an_vil.s2", true},
		{"", false},
		{"acmeCo", false},
		{"/acmeCo/anvils", false},
		{"acmeCo/anvils/", false},
		{"acmeCo//anvils", false},
		{"acmeCo/an vils", false},
		{"acmeCo/anvils!", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var err = CatalogName(tc.name).Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestCatalogNameTenant(t *testing.T) {
	require.Equal(t, "acmeCo", CatalogName("acmeCo/anvils").Tenant())
	require.Equal(t, "acmeCo", CatalogName("acmeCo/products/anvils").Tenant())
}
