// Package detector implements the Token Detector: given an ERC-20 contract
// address, decide which EIP-712 signature-authorization flavor it supports
// (EIP-3009 transferWithAuthorization, EIP-2612 Permit, or Permit2) and fetch
// its EIP-712 domain name/version. Results are cached for the lifetime of the
// process, keyed by (network, address).
package detector

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/WTFLabs-WTF/x402x"
	"github.com/WTFLabs-WTF/x402x/rpc"
)

// Method is one of the capability flavors the detector probes for. It is a
// superset of x402.PaymentType: permit2-witness is a detector-only
// distinction that GetRecommendedMethod folds into x402.PaymentTypePermit2.
type Method string

const (
	MethodEIP3009        Method = "eip3009"
	MethodPermit         Method = "permit"
	MethodPermit2        Method = "permit2"
	MethodPermit2Witness Method = "permit2-witness"
)

// Hard-coded constants the detection algorithm probes for.
var (
	// Permit2Address is the Permit2 contract's universal, chain-wide address
	// (same on every EVM chain via CREATE2). Its presence is a chain
	// property, not a token property.
	Permit2Address = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")

	eip1967ImplSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")
	eip1822ImplSlot = common.HexToHash("0x7050c9e0f4ca769c69bd3a8ef740bc37934f8e2c036e5a723fd8ee048ed3f8c3")

	settleInterfacePermit  = [4]byte{0x02, 0xcc, 0xc2, 0x3e}
	settleInterfaceERC3009 = [4]byte{0x1f, 0xe2, 0x00, 0xd9}
	settleInterfacePermit2 = [4]byte{0xa7, 0xfc, 0xaf, 0xbb}
)

var (
	eip3009Selectors = []string{"e3ee160e", "cf092995"}
	permitSelector   = "d505accf"
)

// TokenDetectionResult is the full detection outcome for one token.
type TokenDetectionResult struct {
	Address          string
	SupportedMethods []Method
	Name             string
	Version          string
}

// Supports reports whether m is among the result's supported methods.
func (r TokenDetectionResult) Supports(m Method) bool {
	for _, got := range r.SupportedMethods {
		if got == m {
			return true
		}
	}
	return false
}

// SettleMethods is the outcome of probing a merchant's receiving contract for
// the three ERC-165 settle-capability interface IDs.
type SettleMethods struct {
	SupportsSettleWithPermit  bool
	SupportsSettleWithERC3009 bool
	SupportsSettleWithPermit2 bool
}

// Preset overrides on-chain heuristics for tokens known to misreport their
// own capabilities.
type Preset struct {
	// Networks is the set of x402 network identifiers this preset applies to.
	Networks []string
	// SupportedMethods is returned verbatim, without issuing any RPC probes,
	// when the detected address matches and the current network is listed.
	SupportedMethods []Method
}

// defaultPresets is the static override table. Keys are lowercased addresses.
var defaultPresets = map[string]Preset{
	// WLFI on BSC misreports its EIP-3009/Permit2 bytecode footprint; it is
	// Permit-only in practice.
	"0x8d0d000ee44948fc98c9b98a4fa4921476f08b0d": {
		Networks:         []string{"bsc"},
		SupportedMethods: []Method{MethodPermit},
	},
}

// CacheStats summarizes the detector's in-process cache.
type CacheStats struct {
	Entries int
}

// Detector is bound to a single EVM network (one rpc.Client == one chain).
// It is safe for concurrent use: the cache is guarded by a mutex and
// concurrent misses on the same key are coalesced via singleflight, per the
// "MAY serialize concurrent misses, MUST NOT hold a global lock across RPC
// I/O" resource-model guidance.
type Detector struct {
	client  rpc.Client
	network string
	presets map[string]Preset
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]TokenDetectionResult

	group singleflight.Group

	permit2Once sync.Once
	permit2     bool
}

// NewDetector constructs a Detector for the given network, backed by client.
// network is the already-resolved x402 network identifier (e.g. "base",
// "bsc") — resolving a raw chain ID to a network identifier is the
// Requirements Builder's job (see the x402 package's chain table), not the
// detector's.
func NewDetector(client rpc.Client, network string) *Detector {
	return &Detector{
		client:  client,
		network: network,
		presets: defaultPresets,
		logger:  slog.Default(),
		cache:   make(map[string]TokenDetectionResult),
	}
}

// WithPresets returns a copy of d using presets instead of the built-in table.
// Exposed for tests and deployments that maintain their own override list.
func (d *Detector) WithPresets(presets map[string]Preset) *Detector {
	clone := *d
	clone.presets = presets
	clone.cache = make(map[string]TokenDetectionResult)
	return &clone
}

func cacheKey(network, address string) string {
	return network + "|" + strings.ToLower(address)
}

// Detect returns address's full detection result, from cache when possible.
func (d *Detector) Detect(ctx context.Context, address string) (TokenDetectionResult, error) {
	key := cacheKey(d.network, address)

	d.mu.RLock()
	cached, ok := d.cache[key]
	d.mu.RUnlock()
	if ok {
		return cached, nil
	}

	raw, err, _ := d.group.Do(key, func() (interface{}, error) {
		return d.detectUncached(ctx, address)
	})
	if err != nil {
		return TokenDetectionResult{}, err
	}
	result := raw.(TokenDetectionResult)

	d.mu.Lock()
	d.cache[key] = result
	d.mu.Unlock()

	return result, nil
}

func (d *Detector) detectUncached(ctx context.Context, address string) (TokenDetectionResult, error) {
	lower := strings.ToLower(address)

	if preset, ok := d.presets[lower]; ok {
		if containsString(preset.Networks, d.network) {
			return TokenDetectionResult{
				Address:          lower,
				SupportedMethods: preset.SupportedMethods,
				Version:          "1",
			}, nil
		}
		return TokenDetectionResult{Address: lower}, nil
	}

	contract := common.HexToAddress(address)

	code, err := d.client.CodeAt(ctx, contract)
	if err != nil {
		d.logger.Debug("detector: bytecode fetch failed, treating all selector probes as absent", "address", lower, "error", err)
		code = nil
	}

	var (
		mu      sync.Mutex
		methods []Method
		wg      sync.WaitGroup
	)
	add := func(m Method) {
		mu.Lock()
		methods = append(methods, m)
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		if d.probeSelector(ctx, contract, code, eip3009Selectors...) {
			add(MethodEIP3009)
		}
	}()
	go func() {
		defer wg.Done()
		if d.probeSelector(ctx, contract, code, permitSelector) {
			add(MethodPermit)
		}
	}()
	go func() {
		defer wg.Done()
		if d.permit2Present(ctx) {
			add(MethodPermit2)
		}
	}()
	wg.Wait()

	name, version, err := d.tokenInfo(ctx, contract)
	if err != nil {
		return TokenDetectionResult{}, fmt.Errorf("detector: reading token info for %s: %w", lower, err)
	}

	return TokenDetectionResult{
		Address:          lower,
		SupportedMethods: methods,
		Name:             name,
		Version:          version,
	}, nil
}

// probeSelector checks code for a direct match on any of selectors, escalating
// once through proxy resolution (§4.1.1) if the parent's own bytecode misses.
func (d *Detector) probeSelector(ctx context.Context, contract common.Address, code []byte, selectors ...string) bool {
	if bytecodeContainsAny(code, selectors) {
		return true
	}

	impl, ok := d.resolveImplementation(ctx, contract)
	if !ok {
		return false
	}

	implCode, err := d.client.CodeAt(ctx, impl)
	if err != nil {
		d.logger.Debug("detector: implementation bytecode fetch failed", "address", contract.Hex(), "implementation", impl.Hex(), "error", err)
		return false
	}
	return bytecodeContainsAny(implCode, selectors)
}

func bytecodeContainsAny(code []byte, selectors []string) bool {
	if len(code) == 0 {
		return false
	}
	haystack := strings.ToLower(hex.EncodeToString(code))
	for _, selector := range selectors {
		needle := strings.ToLower(strings.TrimPrefix(selector, "0x"))
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

// permit2Present checks, once per Detector lifetime, whether Permit2 is
// deployed on this chain. It is a chain-wide property, not a per-token one.
func (d *Detector) permit2Present(ctx context.Context) bool {
	d.permit2Once.Do(func() {
		code, err := d.client.CodeAt(ctx, Permit2Address)
		if err != nil {
			d.logger.Debug("detector: permit2 presence probe failed, treating as absent", "error", err)
			return
		}
		d.permit2 = len(code) > 0
	})
	return d.permit2
}

// resolveImplementation tries the three proxy-resolution strategies in order
// (§4.1.1), returning the first strategy's non-zero result.
func (d *Detector) resolveImplementation(ctx context.Context, address common.Address) (common.Address, bool) {
	if impl, ok := d.implementationFromSlot(ctx, address, eip1967ImplSlot); ok {
		return impl, true
	}
	if impl, ok := d.implementationFromSlot(ctx, address, eip1822ImplSlot); ok {
		return impl, true
	}
	if impl, err := d.callAddress(ctx, address, implementationABI, "implementation"); err == nil && impl != (common.Address{}) {
		return impl, true
	}
	return common.Address{}, false
}

func (d *Detector) implementationFromSlot(ctx context.Context, address common.Address, slot common.Hash) (common.Address, bool) {
	value, err := d.client.StorageAt(ctx, address, slot)
	if err != nil || len(value) < 20 {
		return common.Address{}, false
	}
	impl := common.BytesToAddress(value[len(value)-20:])
	if impl == (common.Address{}) {
		return common.Address{}, false
	}
	return impl, true
}

// tokenInfo reads name() (failure is fatal per §4.1) and then version, tried
// as EIP-5267 eip712Domain()'s third field, then version(), then "1".
// name() is read from address itself, never the implementation contract:
// delegatecall semantics forward the call transparently so the proxy's own
// bytecode need not even define name().
func (d *Detector) tokenInfo(ctx context.Context, contract common.Address) (name, version string, err error) {
	name, err = d.callString(ctx, contract, nameABI, "name")
	if err != nil {
		return "", "", fmt.Errorf("name(): %w", err)
	}

	if _, domainVersion, derr := d.callEIP712Domain(ctx, contract); derr == nil {
		return name, domainVersion, nil
	} else {
		d.logger.Debug("detector: eip712Domain() unavailable, falling back to version()", "address", contract.Hex(), "error", derr)
	}

	if v, verr := d.callString(ctx, contract, versionMethodABI, "version"); verr == nil && v != "" {
		return name, v, nil
	} else if verr != nil {
		d.logger.Debug("detector: version() unavailable, defaulting to \"1\"", "address", contract.Hex(), "error", verr)
	}

	return name, "1", nil
}

func (d *Detector) callEIP712Domain(ctx context.Context, contract common.Address) (name, version string, err error) {
	data, err := eip712DomainABI.Pack("eip712Domain")
	if err != nil {
		return "", "", err
	}
	out, err := d.client.CallContract(ctx, contract, data)
	if err != nil {
		return "", "", err
	}
	values, err := eip712DomainABI.Unpack("eip712Domain", out)
	if err != nil {
		return "", "", err
	}
	if len(values) < 3 {
		return "", "", fmt.Errorf("unexpected eip712Domain() return arity %d", len(values))
	}
	name, _ = values[1].(string)
	version, _ = values[2].(string)
	return name, version, nil
}

func (d *Detector) callString(ctx context.Context, contract common.Address, parsed abi.ABI, method string) (string, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return "", err
	}
	out, err := d.client.CallContract(ctx, contract, data)
	if err != nil {
		return "", err
	}
	var result string
	if err := parsed.UnpackIntoInterface(&result, method, out); err != nil {
		return "", err
	}
	return result, nil
}

func (d *Detector) callAddress(ctx context.Context, contract common.Address, parsed abi.ABI, method string) (common.Address, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return common.Address{}, err
	}
	out, err := d.client.CallContract(ctx, contract, data)
	if err != nil {
		return common.Address{}, err
	}
	var result common.Address
	if err := parsed.UnpackIntoInterface(&result, method, out); err != nil {
		return common.Address{}, err
	}
	return result, nil
}

// GetRecommendedMethod resolves the single preferred payment type by
// priority eip3009 > permit > permit2 (permit2-witness folds into permit2).
// The bool return is false when the token supports none of them.
func (d *Detector) GetRecommendedMethod(ctx context.Context, address string) (x402.PaymentType, bool, error) {
	result, err := d.Detect(ctx, address)
	if err != nil {
		return "", false, err
	}
	switch {
	case result.Supports(MethodEIP3009):
		return x402.PaymentTypeEIP3009, true, nil
	case result.Supports(MethodPermit):
		return x402.PaymentTypePermit, true, nil
	case result.Supports(MethodPermit2) || result.Supports(MethodPermit2Witness):
		return x402.PaymentTypePermit2, true, nil
	default:
		return "", false, nil
	}
}

// DetectSettleMethods probes a merchant's receiving contract for the three
// fixed ERC-165 settle-capability interface IDs.
func (d *Detector) DetectSettleMethods(ctx context.Context, recipientAddress string) (SettleMethods, error) {
	contract := common.HexToAddress(recipientAddress)
	return SettleMethods{
		SupportsSettleWithPermit:  d.supportsInterface(ctx, contract, settleInterfacePermit),
		SupportsSettleWithERC3009: d.supportsInterface(ctx, contract, settleInterfaceERC3009),
		SupportsSettleWithPermit2: d.supportsInterface(ctx, contract, settleInterfacePermit2),
	}, nil
}

func (d *Detector) supportsInterface(ctx context.Context, contract common.Address, interfaceID [4]byte) bool {
	data, err := supportsInterfaceABI.Pack("supportsInterface", interfaceID)
	if err != nil {
		return false
	}
	out, err := d.client.CallContract(ctx, contract, data)
	if err != nil {
		d.logger.Debug("detector: supportsInterface probe failed, treating as unsupported", "address", contract.Hex(), "interfaceId", hex.EncodeToString(interfaceID[:]), "error", err)
		return false
	}
	var ok bool
	if err := supportsInterfaceABI.UnpackIntoInterface(&ok, "supportsInterface", out); err != nil {
		return false
	}
	return ok
}

// Initialize warms the cache for every address in parallel; a failure on one
// address is logged and does not abort the rest of the batch.
func (d *Detector) Initialize(ctx context.Context, addresses []string) {
	var wg sync.WaitGroup
	for _, addr := range addresses {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if _, err := d.Detect(ctx, addr); err != nil {
				d.logger.Warn("detector: warm-up failed", "address", addr, "error", err)
			}
		}(addr)
	}
	wg.Wait()
}

// ClearCache removes one address's cached entry, or the entire cache when
// address is empty.
func (d *Detector) ClearCache(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if address == "" {
		d.cache = make(map[string]TokenDetectionResult)
		return
	}
	delete(d.cache, cacheKey(d.network, address))
}

// CacheStats reports the current cache size.
func (d *Detector) CacheStats() CacheStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return CacheStats{Entries: len(d.cache)}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
