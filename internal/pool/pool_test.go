package pool

import (
	"strings"
	"testing"

	"github.com/ulordpool/gusp/internal/chain"
	"github.com/ulordpool/gusp/internal/config"
	"github.com/ulordpool/gusp/internal/stratum"
	"github.com/ulordpool/gusp/pkg/log"
)

const testMiningKey = "3a9b82d84d59dcb0fd3e11e73b6e6bd9e9e04e05"

func testPoolConfig() *config.PoolConfig {
	return &config.PoolConfig{
		Address: testMiningKey,
		Coin: config.CoinConfig{
			Name:      "ulord",
			Algorithm: "sha256d",
			Reward:    "POW",
		},
		Ports: []config.PortConfig{
			{Port: 3333, Difficulty: 8},
		},
		Rewards: []config.RewardRecipient{
			{Address: testMiningKey, Percent: 1.5},
		},
		CoinbaseTag:              "/test/",
		BlockRefreshSeconds:      1,
		JobRebroadcastSeconds:    55,
		ConnectionTimeoutSeconds: 600,
	}
}

func TestSplitLogin(t *testing.T) {
	tests := []struct {
		login       string
		wantAddress string
		wantRig     string
	}{
		{"UaMinerAddress.rig1", "UaMinerAddress", "rig1"},
		{"UaMinerAddress", "UaMinerAddress", "default"},
		{"UaMinerAddress.", "UaMinerAddress", "default"},
		{"addr.rig.with.dots", "addr", "rig.with.dots"},
	}

	for _, tt := range tests {
		address, rig := splitLogin(tt.login)
		if address != tt.wantAddress || rig != tt.wantRig {
			t.Errorf("splitLogin(%q) = (%q, %q), want (%q, %q)",
				tt.login, address, rig, tt.wantAddress, tt.wantRig)
		}
	}
}

func TestGenerationParams(t *testing.T) {
	gen, err := generationParams(testPoolConfig())
	if err != nil {
		t.Fatalf("generationParams() error = %v", err)
	}

	if len(gen.PoolScript) == 0 {
		t.Error("pool script should not be empty")
	}
	if gen.Reward != chain.RewardPOW {
		t.Errorf("Reward = %q, want POW", gen.Reward)
	}
	if gen.CoinbaseTag != "/test/" {
		t.Errorf("CoinbaseTag = %q", gen.CoinbaseTag)
	}
	if len(gen.Recipients) != 1 {
		t.Fatalf("Recipients = %d, want 1", len(gen.Recipients))
	}
	if gen.Recipients[0].Fraction != 0.015 {
		t.Errorf("recipient fraction = %g, want 0.015", gen.Recipients[0].Fraction)
	}
}

func TestGenerationParamsBadAddress(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Address = "not a coin address"

	if _, err := generationParams(cfg); err == nil {
		t.Fatal("generationParams() should fail for a bad pool address")
	}
}

func TestNewPoolCurrentJobEmpty(t *testing.T) {
	p, err := New(&Options{
		Config:    testPoolConfig(),
		Algorithm: chain.Sha256dAlgorithm(),
		Logger:    log.New("pool-test", "dev", "error", "text"),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, ok := p.currentJob(); ok {
		t.Error("currentJob() should report no job before the first template")
	}
	if p.Jobs().CurrentJob() != nil {
		t.Error("job manager should start empty")
	}
	if p.Server() == nil {
		t.Error("server should be constructed")
	}
}

func TestShareIDFormat(t *testing.T) {
	p, err := New(&Options{
		Config:    testPoolConfig(),
		Algorithm: chain.Sha256dAlgorithm(),
		Logger:    log.New("pool-test", "dev", "error", "text"),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	first := p.shareSeq.Add(1)
	second := p.shareSeq.Add(1)
	if first != 1 || second != 2 {
		t.Errorf("share sequence = %d, %d; want 1, 2", first, second)
	}
}

func TestAuthorizeDefaultsToAcceptAll(t *testing.T) {
	p, err := New(&Options{
		Config:    testPoolConfig(),
		Algorithm: chain.Sha256dAlgorithm(),
		Logger:    log.New("pool-test", "dev", "error", "text"),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res := p.authorizeWorker("10.0.0.1:4321", 3333, "UaMinerAddress", "x")
	if !res.Authorized || res.Disconnect {
		t.Errorf("default authorization = %+v, want accept", res)
	}
}

func TestAuthorizeCustomCallback(t *testing.T) {
	p, err := New(&Options{
		Config:    testPoolConfig(),
		Algorithm: chain.Sha256dAlgorithm(),
		Logger:    log.New("pool-test", "dev", "error", "text"),
		Authorize: func(remoteAddr string, port int, workerName, password string) stratum.AuthResult {
			return stratum.AuthResult{Authorized: workerName != "banned", Disconnect: workerName == "banned"}
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if res := p.authorizeWorker("10.0.0.1:4321", 3333, "banned", "x"); res.Authorized || !res.Disconnect {
		t.Errorf("authorization = %+v, want rejected with disconnect", res)
	}
	if res := p.authorizeWorker("10.0.0.1:4321", 3333, "UaMinerAddress", "x"); !res.Authorized {
		t.Errorf("authorization = %+v, want accepted", res)
	}
}

func TestScriptForAddressMiningKey(t *testing.T) {
	script, err := scriptForAddress(testMiningKey)
	if err != nil {
		t.Fatalf("scriptForAddress() error = %v", err)
	}
	if len(script) == 0 {
		t.Error("script should not be empty")
	}

	if _, err := scriptForAddress(strings.Repeat("z", 40)); err == nil {
		t.Error("scriptForAddress() should reject non-hex mining keys")
	}
}
