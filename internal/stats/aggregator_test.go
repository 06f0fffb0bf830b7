package stats

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/queue"
)

func newTestQueue(t *testing.T) (*queue.BoltStorage, *Aggregator) {
	t.Helper()
	q, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	agg := NewAggregator(q, nil)
	q.AddObserver(agg)
	return q, agg
}

func checkSum(t *testing.T, r Rollup, label string) {
	t.Helper()
	if r.DoneSend+r.FailedSend+r.RemainingSend != r.ShouldSend {
		t.Fatalf("%s: done %d + failed %d + remaining %d != should %d",
			label, r.DoneSend, r.FailedSend, r.RemainingSend, r.ShouldSend)
	}
}

func TestIncrementalRollups(t *testing.T) {
	q, agg := newTestQueue(t)
	ctx := context.Background()

	var targets []*queue.Target
	for i, dev := range []string{"a", "a", "b"} {
		targets = append(targets, &queue.Target{
			CampaignID: "c1",
			DeviceID:   dev,
			Contact:    queue.Contact{Phone: fmt.Sprintf("60%d", i)},
		})
	}
	q.Enqueue(ctx, targets)

	got := agg.Campaign("c1")
	want := Rollup{ShouldSend: 3, RemainingSend: 3, TotalLeads: 3}
	if got != want {
		t.Errorf("Campaign() = %+v, want %+v", got, want)
	}

	first, _ := q.Claim(ctx, "a")
	q.Complete(ctx, first.ID, queue.Outcome{Status: queue.StatusSent})
	second, _ := q.Claim(ctx, "a")
	q.Complete(ctx, second.ID, queue.Outcome{Status: queue.StatusFailed})

	if got := agg.Device("a"); got != (Rollup{ShouldSend: 2, DoneSend: 1, FailedSend: 1, TotalLeads: 2}) {
		t.Errorf("Device(a) = %+v", got)
	}
	if got := agg.Campaign("c1"); got != (Rollup{ShouldSend: 3, DoneSend: 1, FailedSend: 1, RemainingSend: 1, TotalLeads: 3}) {
		t.Errorf("Campaign(c1) = %+v", got)
	}

	q.ResumeFailed(ctx, queue.ResumeFilter{CampaignID: "c1"})
	if got := agg.Campaign("c1"); got.FailedSend != 0 || got.RemainingSend != 2 {
		t.Errorf("Campaign(c1) after resume = %+v", got)
	}
}

func TestReconcileKeepsCleanedTargets(t *testing.T) {
	q, agg := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, []*queue.Target{
		{CampaignID: "c1", DeviceID: "a", Contact: queue.Contact{Phone: "601"}},
		{CampaignID: "c1", DeviceID: "a", Contact: queue.Contact{Phone: "602"}},
	})
	first, _ := q.Claim(ctx, "a")
	q.Complete(ctx, first.ID, queue.Outcome{Status: queue.StatusSent})
	time.Sleep(5 * time.Millisecond)

	if n, err := q.CleanupSent(ctx, time.Millisecond); err != nil || n != 1 {
		t.Fatalf("CleanupSent() = %d, %v, want 1", n, err)
	}

	want := Rollup{ShouldSend: 2, DoneSend: 1, RemainingSend: 1, TotalLeads: 2}
	if got := agg.Campaign("c1"); got != want {
		t.Errorf("Campaign(c1) after cleanup = %+v, want %+v", got, want)
	}

	drifts, err := agg.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(drifts) != 0 {
		t.Errorf("Reconcile() drifts = %+v, want none", drifts)
	}
	if got := agg.Campaign("c1"); got != want {
		t.Errorf("Campaign(c1) after reconcile = %+v, want %+v", got, want)
	}

	scan, err := agg.Scan(ctx, ScanFilter{DeviceID: "a"})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if scan.Total != want {
		t.Errorf("Scan() total = %+v, want %+v", scan.Total, want)
	}
}

// Random claim/complete/release/resume operations must keep every rollup
// summing to should_send and must match a full scan afterwards.
func TestRollupsMatchFullScan(t *testing.T) {
	q, agg := newTestQueue(t)
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(42))
	devices := []string{"a", "b", "c"}

	for c := 0; c < 3; c++ {
		var targets []*queue.Target
		for i := 0; i < 20; i++ {
			targets = append(targets, &queue.Target{
				CampaignID: fmt.Sprintf("c%d", c),
				DeviceID:   devices[rnd.Intn(len(devices))],
				Contact:    queue.Contact{Phone: fmt.Sprintf("60%02d", rnd.Intn(30))},
			})
		}
		q.Enqueue(ctx, targets)
	}
	q.Enqueue(ctx, []*queue.Target{
		{SequenceID: "s1", StepID: "st1", StepDay: 1, DeviceID: "a", Contact: queue.Contact{Phone: "6099"}},
	})

	for i := 0; i < 200; i++ {
		dev := devices[rnd.Intn(len(devices))]
		switch rnd.Intn(4) {
		case 0, 1:
			if tgt, _ := q.Claim(ctx, dev); tgt != nil {
				status := queue.StatusSent
				if rnd.Intn(3) == 0 {
					status = queue.StatusFailed
				}
				q.Complete(ctx, tgt.ID, queue.Outcome{Status: status})
			}
		case 2:
			q.Claim(ctx, dev)
			q.ReleaseDevice(ctx, dev)
		case 3:
			q.ResumeFailed(ctx, queue.ResumeFilter{DeviceID: dev})
		}

		for c := 0; c < 3; c++ {
			checkSum(t, agg.Campaign(fmt.Sprintf("c%d", c)), fmt.Sprintf("step %d campaign c%d", i, c))
		}
		for _, d := range devices {
			checkSum(t, agg.Device(d), fmt.Sprintf("step %d device %s", i, d))
		}
	}

	drifts, err := agg.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(drifts) != 0 {
		t.Errorf("Reconcile() found %d drifted rollups: %+v", len(drifts), drifts)
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	q, agg := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, []*queue.Target{{CampaignID: "c1", DeviceID: "a", Contact: queue.Contact{Phone: "601"}}})

	agg.mu.Lock()
	agg.state[key{KindCampaign, "c1"}].DoneSend = 5
	agg.mu.Unlock()

	drifts, err := agg.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(drifts) != 1 || drifts[0].Kind != KindCampaign || drifts[0].ID != "c1" {
		t.Fatalf("Reconcile() drifts = %+v, want campaign c1", drifts)
	}
	if got := agg.Campaign("c1"); got.DoneSend != 0 || got.RemainingSend != 1 {
		t.Errorf("Campaign(c1) after reconcile = %+v", got)
	}
}

func TestScanAndSequenceReport(t *testing.T) {
	q, agg := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, []*queue.Target{
		{SequenceID: "s1", StepID: "st1", StepDay: 1, DeviceID: "a", Contact: queue.Contact{Phone: "601"}},
		{SequenceID: "s1", StepID: "st1", StepDay: 1, DeviceID: "b", Contact: queue.Contact{Phone: "602"}},
		{SequenceID: "s1", StepID: "st2", StepDay: 2, DeviceID: "a", Contact: queue.Contact{Phone: "601"}},
		{CampaignID: "c1", DeviceID: "a", Contact: queue.Contact{Phone: "603"}},
	})
	tgt, _ := q.Claim(ctx, "a")
	q.Complete(ctx, tgt.ID, queue.Outcome{Status: queue.StatusSent})

	report, err := agg.SequenceDeviceReport(ctx, "s1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("SequenceDeviceReport() error = %v", err)
	}
	if report.Total.ShouldSend != 3 || report.Total.TotalLeads != 2 {
		t.Errorf("Total = %+v, want 3 targets for 2 leads", report.Total)
	}
	if len(report.Devices) != 2 || report.Devices[0].DeviceID != "a" {
		t.Fatalf("Devices = %+v", report.Devices)
	}
	devA := report.Devices[0]
	if len(devA.Steps) != 2 || devA.Steps[0].Day != 1 || devA.Steps[0].DoneSend != 1 {
		t.Errorf("device a steps = %+v", devA.Steps)
	}

	future, _ := agg.SequenceDeviceReport(ctx, "s1", time.Now().Add(time.Hour), time.Time{})
	if future.Total.ShouldSend != 0 {
		t.Errorf("report from the future = %+v, want empty", future.Total)
	}

	scan, err := agg.Scan(ctx, ScanFilter{DeviceID: "a"})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if scan.Total.ShouldSend != 3 || scan.Campaigns["c1"].ShouldSend != 1 {
		t.Errorf("Scan(a) = %+v", scan)
	}
}
