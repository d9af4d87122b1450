package catalog

import (
	"testing"

	"github.com/BearBump/OrderSync/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	p, err := Lookup(FMX)
	require.NoError(t, err)
	require.True(t, p.RequiresCustoms)
	require.True(t, p.PartnerMilestones)
	require.True(t, p.DirectCarrier)
	require.Equal(t, "fmx", p.Bucket.Name)

	_, err = Lookup("nope")
	require.ErrorIs(t, err, ErrUnknownProduct)
}

func TestBuckets_SharedScheme(t *testing.T) {
	moh, _ := Lookup(PharmacyMOH)
	jpmc, _ := Lookup(PharmacyJPMC)
	require.Equal(t, moh.Bucket, jpmc.Bucket)

	require.ElementsMatch(t, []models.Product{PharmacyJPMC, PharmacyMOH, PharmacyPHC}, ProductsInBucket("pharmacy"))

	names := map[string]struct{}{}
	for _, b := range Buckets() {
		_, dup := names[b.Name]
		require.False(t, dup, b.Name)
		names[b.Name] = struct{}{}
	}
	require.Len(t, All(), 15)
}

func TestFee(t *testing.T) {
	p, _ := Lookup(PharmacyMOH)

	fee, ok, err := Fee(p, models.JobMethodStandard, "TUT")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, decimal.RequireFromString("5.00").Equal(fee))

	fee, _, _ = Fee(p, models.JobMethodExpress, "G")
	require.True(t, decimal.RequireFromString("6.00").Equal(fee))

	fee, _, _ = Fee(p, models.JobMethodImmediate, "N/A")
	require.True(t, decimal.RequireFromString("20.00").Equal(fee))

	fee, _, _ = Fee(p, models.JobMethodSelfCollect, "TEM")
	require.True(t, decimal.RequireFromString("4.00").Equal(fee))

	_, _, err = Fee(p, models.JobMethodPickup, "G")
	require.ErrorIs(t, err, ErrMethodNotAllowed)
}

func TestFee_NoTable(t *testing.T) {
	p, _ := Lookup(LocalDelivery)
	_, ok, err := Fee(p, models.JobMethodPickup, "G")
	require.NoError(t, err)
	require.False(t, ok)
}
