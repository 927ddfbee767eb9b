package pog

import (
	"testing"

	"refchain/referral"
)

func anv(b byte, value int64) referral.AddressANV {
	return referral.AddressANV{
		AddressType: referral.KeyAddress,
		Address:     referral.Address{b},
		ANV:         value,
	}
}

func TestRewardAmbassadorsProportionalSplit(t *testing.T) {
	winners := []referral.AddressANV{anv(1, 1), anv(2, 3)}

	lottery, err := RewardAmbassadors(1000, winners, 400)
	if err != nil {
		t.Fatalf("reward ambassadors: %v", err)
	}
	if len(lottery.Winners) != 2 {
		t.Fatalf("expected 2 winners, got %d", len(lottery.Winners))
	}
	if got := lottery.Winners[0].Amount; got != 100 {
		t.Fatalf("expected 100 for 25%% share, got %d", got)
	}
	if got := lottery.Winners[1].Amount; got != 300 {
		t.Fatalf("expected 300 for 75%% share, got %d", got)
	}
	if lottery.Remainder != 0 {
		t.Fatalf("expected zero remainder, got %d", lottery.Remainder)
	}
}

func TestRewardAmbassadorsConservation(t *testing.T) {
	winners := []referral.AddressANV{
		anv(1, 7), anv(2, 13), anv(3, 29), anv(4, 1), anv(5, 500),
	}
	for _, height := range []uint64{100, 20000} {
		lottery, err := RewardAmbassadors(height, winners, 99999)
		if err != nil {
			t.Fatalf("height %d: %v", height, err)
		}
		var distributed int64
		for _, w := range lottery.Winners {
			if w.Amount <= 0 {
				t.Fatalf("height %d: non-positive payout %d for %s", height, w.Amount, w.Address)
			}
			distributed += w.Amount
		}
		if distributed+lottery.Remainder != 99999 {
			t.Fatalf("height %d: distributed %d + remainder %d != total", height, distributed, lottery.Remainder)
		}
	}
}

func TestRewardAmbassadorsZeroTotalANV(t *testing.T) {
	winners := []referral.AddressANV{anv(1, 0), anv(2, 0)}
	lottery, err := RewardAmbassadors(1, winners, 500)
	if err != nil {
		t.Fatalf("reward ambassadors: %v", err)
	}
	if len(lottery.Winners) != 0 {
		t.Fatalf("expected no winners, got %d", len(lottery.Winners))
	}
	if lottery.Remainder != 500 {
		t.Fatalf("expected full remainder 500, got %d", lottery.Remainder)
	}
}

func TestRewardAmbassadorsPrecisionUpgrade(t *testing.T) {
	// A 1-in-1000 share truncates to nothing at precision 100 and survives at
	// precision 1000.
	winners := []referral.AddressANV{anv(1, 1), anv(2, 999)}

	before, err := RewardAmbassadors(anvPrecisionUpgradeHeight-1, winners, 1000)
	if err != nil {
		t.Fatalf("before upgrade: %v", err)
	}
	if len(before.Winners) != 1 {
		t.Fatalf("expected small share dropped before upgrade, got %d winners", len(before.Winners))
	}
	if before.Winners[0].Amount != 990 {
		t.Fatalf("expected 990 before upgrade, got %d", before.Winners[0].Amount)
	}
	if before.Remainder != 10 {
		t.Fatalf("expected remainder 10 before upgrade, got %d", before.Remainder)
	}

	after, err := RewardAmbassadors(anvPrecisionUpgradeHeight, winners, 1000)
	if err != nil {
		t.Fatalf("at upgrade: %v", err)
	}
	if len(after.Winners) != 2 {
		t.Fatalf("expected both winners at upgrade height, got %d", len(after.Winners))
	}
	if after.Winners[0].Amount != 1 || after.Winners[1].Amount != 999 {
		t.Fatalf("unexpected split %d/%d", after.Winners[0].Amount, after.Winners[1].Amount)
	}
	if after.Remainder != 0 {
		t.Fatalf("expected zero remainder at upgrade, got %d", after.Remainder)
	}
}

func TestRewardAmbassadorsRejectsBadInput(t *testing.T) {
	if _, err := RewardAmbassadors(1, nil, -1); err == nil {
		t.Fatal("expected error for negative total reward")
	}
	if _, err := RewardAmbassadors(1, []referral.AddressANV{anv(1, -5)}, 100); err == nil {
		t.Fatal("expected error for negative ANV")
	}
}

func TestRewardAmbassadorsEmptyWinners(t *testing.T) {
	lottery, err := RewardAmbassadors(1, nil, 250)
	if err != nil {
		t.Fatalf("reward ambassadors: %v", err)
	}
	if len(lottery.Winners) != 0 || lottery.Remainder != 250 {
		t.Fatalf("expected untouched budget, got %d winners remainder %d", len(lottery.Winners), lottery.Remainder)
	}
}
