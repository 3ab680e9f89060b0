package samplelog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/user/nearby-blue/ranging"
	"github.com/user/nearby-blue/session"
)

func TestFileName(t *testing.T) {
	at := time.Date(2021, 11, 17, 9, 5, 3, 0, time.Local)
	cases := map[string]string{
		"3f2a91c0-1111": "20211117_090503_3f2a91c0-1111_NearbyInteraction.csv",
		"":              "20211117_090503_unknown_NearbyInteraction.csv",
		"../etc/pass":   "20211117_090503____etc_pass_NearbyInteraction.csv",
	}
	for peer, want := range cases {
		if got := FileName(at, peer); got != want {
			t.Errorf("FileName(%q) = %s, want %s", peer, got, want)
		}
	}
}

func TestRowLeavesAbsentFieldsEmpty(t *testing.T) {
	at := time.Date(2021, 11, 17, 14, 2, 9, 45e6, time.Local)
	d := 0.75
	cases := []struct {
		sample ranging.Sample
		want   []string
	}{
		{ranging.Sample{Time: at, Distance: &d, Direction: &ranging.Vector3{X: 0, Y: 1, Z: -0.5}},
			[]string{"14:02:09.045", "0.75", "0", "1", "-0.5"}},
		{ranging.Sample{Time: at, Distance: &d},
			[]string{"14:02:09.045", "0.75", "", "", ""}},
		{ranging.Sample{Time: at, Direction: &ranging.Vector3{Z: 1}},
			[]string{"14:02:09.045", "", "0", "0", "1"}},
		{ranging.Sample{Time: at},
			[]string{"14:02:09.045", "", "", "", ""}},
	}
	for i, tc := range cases {
		if got := Row(tc.sample); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("case %d: Row = %q, want %q", i, got, tc.want)
		}
	}
}

func TestRecorderFollowsSessionState(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, "device-under-test")
	if err != nil {
		t.Fatal(err)
	}
	r.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local) }

	// samples outside Ranging go nowhere
	r.OnSample(ranging.Sample{Time: time.Now()})
	if r.Path() != "" {
		t.Fatal("file open before ranging")
	}

	r.OnState(session.Status{State: session.StateRanging, Peer: "peer-1"})
	path := r.Path()
	if filepath.Base(path) != "20240102_030405_peer-1_NearbyInteraction.csv" {
		t.Fatalf("path %s", path)
	}
	d := 2.0
	r.OnSample(ranging.Sample{Time: time.Now(), Distance: &d})
	r.OnSample(ranging.Sample{Time: time.Now()})
	r.OnState(session.Status{State: session.StateFailed, Reason: session.ReasonLinkLost})
	if r.Path() != "" {
		t.Fatal("file still open after failure")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want header plus 2 rows", len(records))
	}
	if !reflect.DeepEqual(records[0], header) {
		t.Fatalf("header %q", records[0])
	}
	if records[1][1] != "2" || records[2][1] != "" {
		t.Fatalf("rows %q", records[1:])
	}
}
