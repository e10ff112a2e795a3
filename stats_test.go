package mediaflow

import "testing"

func TestStatsTrackerTxRx(t *testing.T) {
	st := newStatsTracker()
	now := st.allocAt

	st.onTx(KindAudio, 100, now)
	st.onTx(KindVideo, 200, now)
	st.onRx(KindAudio, 50, now)

	snap := st.snapshot()
	if snap.TxBytes != 300 {
		t.Fatalf("TxBytes = %d, want 300", snap.TxBytes)
	}
	if snap.RxBytes != 50 {
		t.Fatalf("RxBytes = %d, want 50", snap.RxBytes)
	}
	if snap.Audio.TxPackets != 1 || snap.Audio.TxBytes != 100 {
		t.Fatalf("audio tx stats wrong: %+v", snap.Audio)
	}
	if snap.Video.TxPackets != 1 || snap.Video.TxBytes != 200 {
		t.Fatalf("video tx stats wrong: %+v", snap.Video)
	}
	if snap.Audio.RxPackets != 1 || snap.Audio.RxBytes != 50 {
		t.Fatalf("audio rx stats wrong: %+v", snap.Audio)
	}
}

func TestStatsTrackerMilestonesFireOnce(t *testing.T) {
	st := newStatsTracker()
	st.markTurnAlloc()
	first := st.snapshot().TurnAllocDur
	st.markTurnAlloc()
	second := st.snapshot().TurnAllocDur
	if first != second {
		t.Fatal("markTurnAlloc should be idempotent after the first call")
	}
}

func TestStatsTrackerCounters(t *testing.T) {
	st := newStatsTracker()
	st.incSRTPDropped()
	st.incSRTPDropped()
	st.incSRTPError()
	st.incSDPReceived()
	st.incRemoteCandidates(3)

	snap := st.snapshot()
	if snap.NumSRTPDropped != 2 {
		t.Fatalf("NumSRTPDropped = %d, want 2", snap.NumSRTPDropped)
	}
	if snap.NumSRTPErrors != 1 {
		t.Fatalf("NumSRTPErrors = %d, want 1", snap.NumSRTPErrors)
	}
	if snap.NumSDPReceived != 1 {
		t.Fatalf("NumSDPReceived = %d, want 1", snap.NumSDPReceived)
	}
	if snap.NumRemoteCands != 3 {
		t.Fatalf("NumRemoteCands = %d, want 3", snap.NumRemoteCands)
	}
}
