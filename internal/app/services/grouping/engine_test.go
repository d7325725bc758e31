package grouping

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/certware/walletcore/internal/app/domain/certificate"
	"github.com/certware/walletcore/internal/app/storage/memory"
)

func cert(uci, family, given, dob string) certificate.Certificate {
	return certificate.Certificate{
		UCI:         uci,
		DateOfBirth: dob,
		Name: certificate.Name{
			StandardizedFamilyName: family,
			StandardizedGivenName:  given,
		},
		IssuedAt:  time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt: time.Date(2033, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRegroup_SameHolderMerges(t *testing.T) {
	persons := Regroup([]certificate.Certificate{
		cert("uci-1", "MUSTERMANN", "ERIKA", "1980-01-01"),
		cert("uci-2", "MUSTERMANN", "ERIKA", "1980-01-01"),
	})
	require.Len(t, persons, 1)
	require.Len(t, persons[0].Certificates, 2)
	require.True(t, persons[0].Preferred)
}

func TestRegroup_DifferentDOBNeverMerges(t *testing.T) {
	persons := Regroup([]certificate.Certificate{
		cert("uci-1", "MUSTERMANN", "ERIKA", "1980-01-01"),
		cert("uci-2", "MUSTERMANN", "ERIKA", "1981-01-01"),
	})
	require.Len(t, persons, 2)
}

func TestRegroup_DOBTimeComponentIgnored(t *testing.T) {
	persons := Regroup([]certificate.Certificate{
		cert("uci-1", "MUSTERMANN", "ERIKA", "1980-01-01"),
		cert("uci-2", "MUSTERMANN", "ERIKA", "1980-01-01T00:00:00"),
	})
	require.Len(t, persons, 1)
}

func TestRegroup_FillerTokensDoNotMatch(t *testing.T) {
	persons := Regroup([]certificate.Certificate{
		cert("uci-1", "MUSTERMANN", "DR<ERIKA", "1980-01-01"),
		cert("uci-2", "SCHMIDT", "DR<HANS", "1980-01-01"),
	})
	require.Len(t, persons, 2)
}

func TestRegroup_SwappedNameOrderMatches(t *testing.T) {
	persons := Regroup([]certificate.Certificate{
		cert("uci-1", "MUSTERMANN", "ERIKA", "1980-01-01"),
		cert("uci-2", "ERIKA", "MUSTERMANN", "1980-01-01"),
	})
	require.Len(t, persons, 1)
}

// A certificate carrying both maiden and married family names bridges the two
// clusters; removing it splits them again.
func TestRegroup_CombinerBridgesAndSplits(t *testing.T) {
	certs := []certificate.Certificate{
		cert("uci-a1", "MUELLER", "ANNA", "1975-05-05"),
		cert("uci-a2", "MUELLER", "ANNA", "1975-05-05"),
		cert("uci-b1", "SCHNEIDER", "ANNA", "1975-05-05"),
		cert("uci-b2", "SCHNEIDER", "ANNA", "1975-05-05"),
		cert("uci-x", "WEBER", "THOMAS", "1960-03-03"),
	}

	// MUELLER and SCHNEIDER share the given token ANNA, so even without the
	// combiner they form one person. Make them disjoint by giving the B
	// cluster a different given name.
	certs[2] = cert("uci-b1", "SCHNEIDER", "BEATE", "1975-05-05")
	certs[3] = cert("uci-b2", "SCHNEIDER", "BEATE", "1975-05-05")

	withoutCombiner := Regroup(certs)
	require.Len(t, withoutCombiner, 3)

	combiner := cert("uci-c", "MUELLER<SCHNEIDER", "ANNA", "1975-05-05")
	withCombiner := Regroup(append(certs, combiner))
	require.Len(t, withCombiner, 2)

	// Removing the combiner restores the split.
	again := Regroup(certs)
	require.Len(t, again, 3)
}

func TestRegroup_OrderIndependent(t *testing.T) {
	base := []certificate.Certificate{
		cert("uci-1", "MUSTERMANN", "ERIKA", "1980-01-01"),
		cert("uci-2", "MUSTERMANN<GABLER", "ERIKA", "1980-01-01"),
		cert("uci-3", "GABLER", "ERIKA", "1980-01-01"),
		cert("uci-4", "SCHMIDT", "HANS", "1990-09-09"),
		cert("uci-5", "WEBER", "THOMAS", "1960-03-03"),
	}
	want := Regroup(base)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]certificate.Certificate(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Regroup(shuffled)
		require.Equal(t, want, got, "grouping must not depend on input order")
	}
}

func TestRegroup_StableIDs(t *testing.T) {
	certs := []certificate.Certificate{
		cert("uci-1", "MUSTERMANN", "ERIKA", "1980-01-01"),
	}
	first := Regroup(certs)
	second := Regroup(append(certs, cert("uci-2", "MUSTERMANN", "ERIKA", "1980-01-01")))
	require.Equal(t, first[0].ID, second[0].ID, "person ID must survive adding certificates for the same identity")
}

func TestRegroup_DuplicateUCIsDeduped(t *testing.T) {
	persons := Regroup([]certificate.Certificate{
		cert("uci-1", "MUSTERMANN", "ERIKA", "1980-01-01"),
		cert("uci-1", "MUSTERMANN", "ERIKA", "1980-01-01"),
	})
	require.Len(t, persons, 1)
	require.Len(t, persons[0].Certificates, 1)
}

func TestEngine_CeilingRejectsNewPerson(t *testing.T) {
	store := memory.New()
	eng := New(store, store, store, 2, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := eng.AddCertificate(ctx, cert(
			fmt.Sprintf("uci-%d", i),
			fmt.Sprintf("FAMILY%d", i),
			"GIVEN",
			fmt.Sprintf("19%02d-01-01", i),
		))
		require.NoError(t, err)
	}

	_, err := eng.AddCertificate(ctx, cert("uci-new", "NEWFAMILY", "GIVEN", "1999-01-01"))
	require.ErrorIs(t, err, ErrTooManyPersons)

	// Nothing was persisted for the rejected certificate.
	_, err = store.GetCertificate(ctx, "uci-new")
	require.Error(t, err)

	// A certificate for an existing identity is still accepted.
	persons, err := eng.AddCertificate(ctx, cert("uci-0b", "FAMILY0", "GIVEN", "1900-01-01"))
	require.NoError(t, err)
	require.Len(t, persons, 2)
}

func TestEngine_InsertIssuedBypassesCeiling(t *testing.T) {
	store := memory.New()
	eng := New(store, store, store, 1, nil)
	ctx := context.Background()

	_, err := eng.AddCertificate(ctx, cert("uci-1", "MUSTERMANN", "ERIKA", "1980-01-01"))
	require.NoError(t, err)

	persons, err := eng.InsertIssued(ctx, cert("uci-2", "SCHMIDT", "HANS", "1990-09-09"))
	require.NoError(t, err)
	require.Len(t, persons, 2)
}

func TestEngine_RemoveRestoreRoundTrip(t *testing.T) {
	store := memory.New()
	eng := New(store, store, store, 0, nil)
	ctx := context.Background()

	_, err := eng.AddCertificate(ctx, cert("uci-1", "MUSTERMANN", "ERIKA", "1980-01-01"))
	require.NoError(t, err)

	persons, err := eng.RemoveCertificate(ctx, "uci-1")
	require.NoError(t, err)
	require.Empty(t, persons)

	persons, err = eng.RestoreCertificate(ctx, "uci-1")
	require.NoError(t, err)
	require.Len(t, persons, 1)
}

func TestEngine_OnChangeFires(t *testing.T) {
	store := memory.New()
	eng := New(store, store, store, 0, nil)

	fired := 0
	eng.OnChange(func() { fired++ })

	_, err := eng.AddCertificate(context.Background(), cert("uci-1", "MUSTERMANN", "ERIKA", "1980-01-01"))
	require.NoError(t, err)
	require.Equal(t, 1, fired)
}
