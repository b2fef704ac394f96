package detector

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/WTFLabs-WTF/x402x"
)

// fakeClient is a table-driven stand-in for rpc.Client. Responses are keyed
// by address and, for CallContract, by the call's 4-byte selector.
type fakeClient struct {
	code      map[common.Address][]byte
	storage   map[common.Address]map[common.Hash][]byte
	calls     map[common.Address]map[[4]byte][]byte
	callErr   map[common.Address]map[[4]byte]error
	chainID   *big.Int
	codeCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		code:    make(map[common.Address][]byte),
		storage: make(map[common.Address]map[common.Hash][]byte),
		calls:   make(map[common.Address]map[[4]byte][]byte),
		callErr: make(map[common.Address]map[[4]byte]error),
		chainID: big.NewInt(8453),
	}
}

func (f *fakeClient) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	f.codeCalls++
	return f.code[address], nil
}

func (f *fakeClient) StorageAt(ctx context.Context, address common.Address, slot common.Hash) ([]byte, error) {
	slots, ok := f.storage[address]
	if !ok {
		return nil, nil
	}
	return slots[slot], nil
}

func (f *fakeClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var selector [4]byte
	copy(selector[:], data[:4])
	if errs, ok := f.callErr[to]; ok {
		if err, ok := errs[selector]; ok && err != nil {
			return nil, err
		}
	}
	if responses, ok := f.calls[to]; ok {
		if out, ok := responses[selector]; ok {
			return out, nil
		}
	}
	return nil, nil
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func mustSelector(t *testing.T, prefix string) [4]byte {
	t.Helper()
	var sel [4]byte
	b, err := hex.DecodeString(prefix)
	if err != nil {
		t.Fatalf("bad selector hex %q: %v", prefix, err)
	}
	copy(sel[:], b)
	return sel
}

func setNameAndVersion(t *testing.T, client *fakeClient, contract common.Address, name, version string) {
	t.Helper()
	nameOut, err := nameABI.Methods["name"].Outputs.Pack(name)
	if err != nil {
		t.Fatalf("pack name(): %v", err)
	}
	domainOut, err := eip712DomainABI.Methods["eip712Domain"].Outputs.Pack(
		[1]byte{0x0f}, name, version, big.NewInt(8453), contract, [32]byte{}, []*big.Int{},
	)
	if err != nil {
		t.Fatalf("pack eip712Domain(): %v", err)
	}

	if client.calls[contract] == nil {
		client.calls[contract] = make(map[[4]byte][]byte)
	}
	client.calls[contract][mustSelector(t, "06fdde03")] = nameOut // name() selector
	client.calls[contract][mustSelector(t, "84b0196e")] = domainOut // eip712Domain() selector
}

func TestBytecodeContainsAny(t *testing.T) {
	code, _ := hex.DecodeString("608060405234801561001057600080fd5b50e3ee160e")
	if !bytecodeContainsAny(code, []string{"e3ee160e"}) {
		t.Error("expected selector match")
	}
	if bytecodeContainsAny(code, []string{"d505accf"}) {
		t.Error("expected no match for absent selector")
	}
	if bytecodeContainsAny(nil, []string{"e3ee160e"}) {
		t.Error("empty bytecode must never match")
	}
}

func TestDetect_PresetShortCircuit(t *testing.T) {
	client := newFakeClient()
	d := NewDetector(client, "bsc")

	result, err := d.Detect(context.Background(), "0x8d0D000Ee44948FC98c9B98A4FA4921476f08B0d")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(result.SupportedMethods) != 1 || result.SupportedMethods[0] != MethodPermit {
		t.Errorf("SupportedMethods = %v, want [permit]", result.SupportedMethods)
	}
	if client.codeCalls != 0 {
		t.Errorf("preset short-circuit issued %d CodeAt calls, want 0", client.codeCalls)
	}
}

func TestDetect_PresetWrongNetworkYieldsEmpty(t *testing.T) {
	client := newFakeClient()
	d := NewDetector(client, "base")

	result, err := d.Detect(context.Background(), "0x8d0D000Ee44948FC98c9B98A4FA4921476f08B0d")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(result.SupportedMethods) != 0 {
		t.Errorf("SupportedMethods = %v, want none (preset chain mismatch)", result.SupportedMethods)
	}
}

func TestDetect_EIP3009TokenAndRecommendedMethod(t *testing.T) {
	client := newFakeClient()
	contract := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

	code, _ := hex.DecodeString("6080604052e3ee160e")
	client.code[contract] = code
	setNameAndVersion(t, client, contract, "USD Coin", "2")

	d := NewDetector(client, "base")
	result, err := d.Detect(context.Background(), contract.Hex())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !result.Supports(MethodEIP3009) {
		t.Errorf("expected eip3009 support, got %v", result.SupportedMethods)
	}
	if result.Name != "USD Coin" || result.Version != "2" {
		t.Errorf("Name/Version = %q/%q, want USD Coin/2", result.Name, result.Version)
	}

	method, ok, err := d.GetRecommendedMethod(context.Background(), contract.Hex())
	if err != nil {
		t.Fatalf("GetRecommendedMethod: %v", err)
	}
	if !ok || method != x402.PaymentTypeEIP3009 {
		t.Errorf("GetRecommendedMethod = %v, %v, want eip3009, true", method, ok)
	}
}

func TestDetect_CacheHitAvoidsRPC(t *testing.T) {
	client := newFakeClient()
	contract := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	client.code[contract] = []byte{}
	setNameAndVersion(t, client, contract, "Some Token", "1")

	d := NewDetector(client, "base")
	if _, err := d.Detect(context.Background(), contract.Hex()); err != nil {
		t.Fatalf("first Detect: %v", err)
	}
	callsAfterFirst := client.codeCalls
	if _, err := d.Detect(context.Background(), contract.Hex()); err != nil {
		t.Fatalf("second Detect: %v", err)
	}
	if client.codeCalls != callsAfterFirst {
		t.Errorf("cache hit issued %d more CodeAt calls, want 0", client.codeCalls-callsAfterFirst)
	}
	if stats := d.CacheStats(); stats.Entries != 1 {
		t.Errorf("CacheStats().Entries = %d, want 1", stats.Entries)
	}

	d.ClearCache(contract.Hex())
	if stats := d.CacheStats(); stats.Entries != 0 {
		t.Errorf("after ClearCache, Entries = %d, want 0", stats.Entries)
	}
}

func TestGetRecommendedMethod_NoneSupported(t *testing.T) {
	client := newFakeClient()
	contract := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	client.code[contract] = []byte{}
	setNameAndVersion(t, client, contract, "Plain Token", "1")

	d := NewDetector(client, "base")
	_, ok, err := d.GetRecommendedMethod(context.Background(), contract.Hex())
	if err != nil {
		t.Fatalf("GetRecommendedMethod: %v", err)
	}
	if ok {
		t.Error("expected ok=false when no method is supported")
	}
}

func TestDetectSettleMethods(t *testing.T) {
	client := newFakeClient()
	merchant := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")

	supportsTrue, _ := supportsInterfaceABI.Methods["supportsInterface"].Outputs.Pack(true)
	client.calls[merchant] = map[[4]byte][]byte{
		mustSelector(t, "01ffc9a7"): supportsTrue, // any supportsInterface() call returns true in this fixture
	}

	d := NewDetector(client, "base")
	methods, err := d.DetectSettleMethods(context.Background(), merchant.Hex())
	if err != nil {
		t.Fatalf("DetectSettleMethods: %v", err)
	}
	if !methods.SupportsSettleWithPermit || !methods.SupportsSettleWithERC3009 || !methods.SupportsSettleWithPermit2 {
		t.Errorf("SettleMethods = %+v, want all true", methods)
	}
}

func TestInitialize_WarmsCacheForAllAddresses(t *testing.T) {
	client := newFakeClient()
	a := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	b := common.HexToAddress("0xB0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	for _, addr := range []common.Address{a, b} {
		client.code[addr] = []byte{}
		setNameAndVersion(t, client, addr, "Token", "1")
	}

	d := NewDetector(client, "base")
	d.Initialize(context.Background(), []string{a.Hex(), b.Hex()})

	if stats := d.CacheStats(); stats.Entries != 2 {
		t.Errorf("CacheStats().Entries = %d, want 2", stats.Entries)
	}
}
