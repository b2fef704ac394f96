package detector

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Parsed ABI fragments for the handful of read-only view functions the
// detector calls. Parsed once at package init; a parse failure here would be
// a programming error in the embedded JSON, not a runtime condition, so a
// panic on init is appropriate.
var (
	nameABI          = mustParseABI(`[{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"}]`)
	versionMethodABI = mustParseABI(`[{"constant":true,"inputs":[],"name":"version","outputs":[{"name":"","type":"string"}],"type":"function"}]`)

	// eip712DomainABI models EIP-5267's eip712Domain(), which returns
	// (bytes1 fields, string name, string version, uint256 chainId,
	// address verifyingContract, bytes32 salt, uint256[] extensions).
	eip712DomainABI = mustParseABI(`[{"inputs":[],"name":"eip712Domain","outputs":[{"name":"fields","type":"bytes1"},{"name":"name","type":"string"},{"name":"version","type":"string"},{"name":"chainId","type":"uint256"},{"name":"verifyingContract","type":"address"},{"name":"salt","type":"bytes32"},{"name":"extensions","type":"uint256[]"}],"stateMutability":"view","type":"function"}]`)

	implementationABI = mustParseABI(`[{"constant":true,"inputs":[],"name":"implementation","outputs":[{"name":"","type":"address"}],"type":"function"}]`)

	supportsInterfaceABI = mustParseABI(`[{"constant":true,"inputs":[{"name":"interfaceId","type":"bytes4"}],"name":"supportsInterface","outputs":[{"name":"","type":"bool"}],"type":"function"}]`)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("detector: invalid embedded ABI fragment: " + err.Error())
	}
	return parsed
}
