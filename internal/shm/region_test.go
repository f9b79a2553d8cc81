//go:build linux

package shm

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegionName() string {
	return fmt.Sprintf("regiontest_%d_%x", os.Getpid(), time.Now().UnixNano())
}

func TestRegionCreateIsExclusive(t *testing.T) {
	name := testRegionName()
	region, err := CreateRegion(name, 4096)
	require.NoError(t, err)
	t.Cleanup(func() {
		region.Unlink()
		region.Close()
	})
	assert.True(t, region.Created())
	assert.True(t, RegionExists(name))

	// Exactly one creator wins.
	_, err = CreateRegion(name, 4096)
	assert.Error(t, err)
}

func TestRegionSharedBetweenMappings(t *testing.T) {
	name := testRegionName()
	created, err := CreateRegion(name, 4096)
	require.NoError(t, err)
	t.Cleanup(func() {
		created.Unlink()
		created.Close()
	})

	opened, err := OpenRegion(name)
	require.NoError(t, err)
	t.Cleanup(func() { opened.Close() })
	assert.False(t, opened.Created())
	assert.Len(t, opened.Mem, 4096)

	copy(created.Mem, "visible to every mapping")
	assert.Equal(t, "visible to every mapping", string(opened.Mem[:24]))
}

func TestRegionCreateZeroFills(t *testing.T) {
	region, err := CreateRegion(testRegionName(), 512)
	require.NoError(t, err)
	t.Cleanup(func() {
		region.Unlink()
		region.Close()
	})
	for i, b := range region.Mem {
		require.Zero(t, b, "byte %d not zero", i)
	}
}

func TestRegionOpenMissing(t *testing.T) {
	_, err := OpenRegion(testRegionName())
	assert.Error(t, err)
}

func TestRegionInvalidSize(t *testing.T) {
	_, err := CreateRegion(testRegionName(), 0)
	assert.Error(t, err)
	_, err = CreateRegion(testRegionName(), -1)
	assert.Error(t, err)
}

func TestRegionUnlinkKeepsMapping(t *testing.T) {
	name := testRegionName()
	region, err := CreateRegion(name, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })

	require.NoError(t, region.Unlink())
	assert.False(t, RegionExists(name))

	// The mapping stays usable after the file is gone.
	region.Mem[0] = 0xAB
	assert.EqualValues(t, 0xAB, region.Mem[0])
}

func TestRegionCloseIsIdempotent(t *testing.T) {
	region, err := CreateRegion(testRegionName(), 4096)
	require.NoError(t, err)
	region.Unlink()
	require.NoError(t, region.Close())
	require.NoError(t, region.Close())
}
