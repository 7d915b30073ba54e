package history

import (
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(path)
	assert.NilError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestListEmpty(t *testing.T) {
	s, _ := openTemp(t)
	records, err := s.List(0)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 0)
}

func TestAddAndListNewestFirst(t *testing.T) {
	s, _ := openTemp(t)
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, ssid := range []string{"first", "second", "third"} {
		id, err := s.Add(Record{
			Time:     when.Add(time.Duration(i) * time.Minute),
			Address:  "24:0A:C4:00:00:01",
			SSID:     ssid,
			Accepted: true,
			Joined:   i == 2,
		})
		assert.NilError(t, err)
		assert.Equal(t, id, uint64(i+1))
	}

	records, err := s.List(0)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 3)
	assert.Equal(t, records[0].SSID, "third")
	assert.Equal(t, records[0].ID, uint64(3))
	assert.Assert(t, records[0].Joined)
	assert.Assert(t, records[0].Time.Equal(when.Add(2*time.Minute)))
	assert.Equal(t, records[2].SSID, "first")
	assert.Assert(t, !records[2].Joined)

	limited, err := s.List(2)
	assert.NilError(t, err)
	assert.Equal(t, len(limited), 2)
	assert.Equal(t, limited[1].SSID, "second")
}

func TestAddDefaultsTime(t *testing.T) {
	s, _ := openTemp(t)
	before := time.Now()
	_, err := s.Add(Record{Address: "AA:BB:CC:DD:EE:FF", SSID: "x"})
	assert.NilError(t, err)

	records, err := s.List(1)
	assert.NilError(t, err)
	assert.Assert(t, !records[0].Time.Before(before.Add(-time.Second)))
}

func TestRecordsSurviveReopen(t *testing.T) {
	s, path := openTemp(t)
	_, err := s.Add(Record{Address: "AA:BB:CC:DD:EE:FF", SSID: "Café", Secure: true})
	assert.NilError(t, err)
	assert.NilError(t, s.Close())

	reopened, err := Open(path)
	assert.NilError(t, err)
	defer reopened.Close()

	records, err := reopened.List(0)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].SSID, "Café")
	assert.Assert(t, records[0].Secure)
}
