package report

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/plot/plotter"

	"github.com/CINPLA/tracking-plugin/internal/db"
	"github.com/CINPLA/tracking-plugin/internal/stim"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func samplePositions() []db.PositionRow {
	var rows []db.PositionRow
	for i := 0; i < 20; i++ {
		rows = append(rows, db.PositionRow{
			SessionID: "s1", Sample: int64(i * 1500), Port: 27020, Address: "/red", Color: "red",
			X: 0.2 + float64(i)*0.03, Y: 0.5, Width: 1, Height: 1,
		})
	}
	rows = append(rows,
		db.PositionRow{SessionID: "s1", Sample: 0, Port: 27021, Address: "/green", Color: "green", X: 0.8, Y: 0.8},
		db.PositionRow{SessionID: "s1", Sample: 100, Port: 27021, Address: "/green", Color: "green", X: 0, Y: 0},
	)
	return rows
}

func TestTracks(t *testing.T) {
	ts := tracks(samplePositions())
	if len(ts) != 2 {
		t.Fatalf("got %d tracks, want 2", len(ts))
	}
	if ts[0].key != "27020/red" || len(ts[0].xys) != 20 {
		t.Errorf("first track = %s with %d points", ts[0].key, len(ts[0].xys))
	}
	// the undetected (0, 0) position is skipped
	if ts[1].key != "27021/green" || len(ts[1].xys) != 1 {
		t.Errorf("second track = %s with %d points", ts[1].key, len(ts[1].xys))
	}
}

func TestTriggerPositions(t *testing.T) {
	ts := tracks(samplePositions())
	got := triggerPositions(ts, []db.TTLRow{
		{Sample: 3000, Line: 1, State: true},
		{Sample: 4400, Line: 1, State: false},
		{Sample: 4499, Line: 1, State: true},
	})
	want := plotter.XYs{{X: 0.26, Y: 0.5}, {X: 0.26, Y: 0.5}}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b float64) bool { return a-b < 1e-9 && b-a < 1e-9 })); diff != "" {
		t.Errorf("triggerPositions mismatch (-want +got):\n%s", diff)
	}

	if triggerPositions(nil, []db.TTLRow{{State: true}}) != nil {
		t.Error("expected no triggers without tracks")
	}
}

func TestOutline(t *testing.T) {
	rect := outline(stim.NewRect(0.5, 0.5, 0.2, 0.4, true))
	if len(rect) != 5 || rect[0] != rect[4] {
		t.Errorf("rectangle outline not closed: %v", rect)
	}
	circle := outline(stim.NewCircle(0.5, 0.5, 0.1, true))
	if len(circle) != 65 {
		t.Errorf("circle outline has %d points", len(circle))
	}
}

func TestWritePNG(t *testing.T) {
	regions := []stim.Region{stim.NewCircle(0.5, 0.5, 0.1, true), stim.NewRect(0.2, 0.2, 0.1, 0.1, false)}
	ttls := []db.TTLRow{{Sample: 3000, Line: 1, State: true}, {Sample: 4500, Line: 1}}

	traj, err := Trajectory("test", samplePositions(), ttls, regions)
	if err != nil {
		t.Fatalf("Trajectory: %v", err)
	}
	var buf bytes.Buffer
	if err := WritePNG(&buf, traj, DefaultWidth, DefaultHeight); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), pngMagic) {
		t.Error("output is not a PNG")
	}

	timeline, err := Timeline("test", ttls, 30000)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	buf.Reset()
	if err := WritePNG(&buf, timeline, DefaultWidth, DefaultHeight/2); err != nil {
		t.Fatalf("WritePNG: %v", err)
	}

	if _, err := Timeline("test", ttls, 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestSaveSession(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "tracking.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.StartSession("empty", time.Unix(1700000000, 0), 30000); err != nil {
		t.Fatal(err)
	}
	if _, err := SaveSession(store, "empty", t.TempDir(), nil); !errors.Is(err, ErrEmptySession) {
		t.Errorf("SaveSession(empty) error = %v, want ErrEmptySession", err)
	}

	if err := store.StartSession("s1", time.Unix(1700000100, 0), 30000); err != nil {
		t.Fatal(err)
	}
	if err := store.WriteBatch(samplePositions(), []db.TTLRow{{SessionID: "s1", Sample: 3000, Line: 1, State: true}}); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(t.TempDir(), "plots")
	paths, err := SaveSession(store, "", dir, []stim.Region{stim.NewCircle(0.5, 0.5, 0.1, true)})
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	want := []string{filepath.Join(dir, "s1_trajectory.png"), filepath.Join(dir, "s1_ttl.png")}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.HasPrefix(b, pngMagic) {
			t.Errorf("%s is not a PNG", p)
		}
	}
}
