package kind

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	for _, tc := range []struct {
		k                               T
		replaceable, ephemeral, address bool
	}{
		{ProfileMetadata, true, false, false},
		{TextNote, false, false, false},
		{FollowList, true, false, false},
		{RelayListMetadata, true, false, false},
		{ClientAuthentication, false, true, false},
		{Article, false, false, true},
		{40000, false, false, false},
	} {
		assert.Equal(t, tc.replaceable, tc.k.IsReplaceable(), "replaceable %d", tc.k)
		assert.Equal(t, tc.ephemeral, tc.k.IsEphemeral(), "ephemeral %d", tc.k)
		assert.Equal(t, tc.address, tc.k.IsAddressable(), "addressable %d", tc.k)
	}
}
