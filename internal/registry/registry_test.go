package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethhook/ethhook/internal/model"
)

func rule(id string, chain int64, contracts ...string) model.EndpointRule {
	r := model.EndpointRule{
		EndpointID: id,
		Active:     true,
		Chains:     map[int64]struct{}{chain: {}},
		Contracts:  map[string]struct{}{},
	}
	for _, c := range contracts {
		r.Contracts[c] = struct{}{}
	}
	return r
}

func TestBuildSnapshot_WildcardAndContractCandidatesAreUnionedAndSorted(t *testing.T) {
	rules := []model.EndpointRule{
		rule("z-wild", 1),
		rule("a-wild", 1),
		rule("m-contract", 1, "0xdead"),
		rule("b-contract", 1, "0xdead"),
	}
	snap := BuildSnapshot(rules)

	got := snap.CandidateEndpoints(1, "0xdead")
	assert.Equal(t, []string{"a-wild", "b-contract", "m-contract", "z-wild"}, got)
}

func TestBuildSnapshot_InactiveRulesAreExcluded(t *testing.T) {
	rules := []model.EndpointRule{
		rule("active", 1),
		{EndpointID: "inactive", Active: false, Chains: map[int64]struct{}{1: {}}},
	}
	snap := BuildSnapshot(rules)

	got := snap.CandidateEndpoints(1, "0xanything")
	assert.Equal(t, []string{"active"}, got)
	assert.Nil(t, snap.Rule("inactive"))
}

func TestBuildSnapshot_NoCandidatesForUnknownChain(t *testing.T) {
	snap := BuildSnapshot([]model.EndpointRule{rule("e1", 1)})
	assert.Empty(t, snap.CandidateEndpoints(999, "0xdead"))
}

func TestView_RefreshPicksUpReaderChanges(t *testing.T) {
	reader := NewMemoryReader([]model.EndpointRule{rule("e1", 1)})
	v, err := NewView(context.Background(), Config{
		Reader:       reader,
		RefreshEvery: 10 * time.Millisecond,
		PollTimeout:  time.Second,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	defer v.Stop()

	require.NotNil(t, v.Snapshot().Rule("e1"))
	assert.Nil(t, v.Snapshot().Rule("e2"))

	reader.SetRules([]model.EndpointRule{rule("e1", 1), rule("e2", 1)})

	require.Eventually(t, func() bool {
		return v.Snapshot().Rule("e2") != nil
	}, time.Second, 5*time.Millisecond)
}
