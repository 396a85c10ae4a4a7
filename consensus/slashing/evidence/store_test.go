package evidence

import (
	"errors"
	"math/big"
	"testing"

	"adaptivechain/consensus/types"
	"adaptivechain/storage"
)

func newRecord(accused byte, kind Kind, epoch uint64) *Record {
	var id types.ValidatorID
	id[0] = accused
	ev := Evidence{Kind: kind, Accused: id, Epoch: epoch, Height: epoch * 10, Proof: []byte{accused}}
	return &Record{
		Fingerprint: ev.Fingerprint(),
		Evidence:    ev,
		Event:       Event{Fingerprint: ev.Fingerprint(), Kind: kind, Accused: id, Epoch: epoch, Burned: big.NewInt(int64(accused))},
		ReceivedAt:  epoch,
	}
}

func TestStorePutIsIdempotentPerFingerprint(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	first := newRecord(1, KindDoubleSign, 3)

	stored, created, err := store.Put(first)
	if err != nil || !created {
		t.Fatalf("first put: created=%v err=%v", created, err)
	}
	if stored.Fingerprint != first.Fingerprint {
		t.Fatalf("unexpected fingerprint %s", stored.Fingerprint)
	}

	dup := newRecord(1, KindDoubleSign, 3)
	dup.Evidence.Proof = []byte{9, 9}
	existing, created, err := store.Put(dup)
	if err != nil {
		t.Fatalf("duplicate put: %v", err)
	}
	if created {
		t.Fatalf("duplicate offence stored twice")
	}
	if string(existing.Evidence.Proof) != string(first.Evidence.Proof) {
		t.Fatalf("duplicate replaced the original proof")
	}

	got, ok, err := store.Get(first.Fingerprint)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Event.Burned.Int64() != 1 {
		t.Fatalf("burned amount lost: %s", got.Event.Burned)
	}
}

func TestStoreListFiltersAndPages(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	for epoch := uint64(1); epoch <= 5; epoch++ {
		if _, _, err := store.Put(newRecord(1, KindDowntime, epoch)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if _, _, err := store.Put(newRecord(2, KindDoubleSign, 2)); err != nil {
		t.Fatalf("put: %v", err)
	}

	page, next, err := store.List(Filter{Kind: KindDowntime, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].Evidence.Epoch != 5 || page[1].Evidence.Epoch != 4 {
		t.Fatalf("expected newest downtime records first, got %d records", len(page))
	}
	if next != 2 {
		t.Fatalf("unexpected next offset %d", next)
	}

	from, to := uint64(2), uint64(3)
	page, next, err = store.List(Filter{FromEpoch: &from, ToEpoch: &to})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 3 || next != -1 {
		t.Fatalf("epoch window returned %d records, next %d", len(page), next)
	}

	var accused types.ValidatorID
	accused[0] = 2
	page, _, err = store.List(Filter{Accused: &accused})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 1 || page[0].Evidence.Kind != KindDoubleSign {
		t.Fatalf("accused filter mismatch")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x01})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Reason != RejectReasonMalformed {
		t.Fatalf("expected malformed rejection, got %v", err)
	}
	if !errors.Is(err, types.ErrInvalidEvidence) {
		t.Fatalf("expected ErrInvalidEvidence in chain")
	}
}
