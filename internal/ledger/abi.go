package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const tokenABIJSON = `[
	{"type":"function","name":"issue","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"holder","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"isIssuable","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"setIssuable","stateMutability":"nonpayable",
	 "inputs":[{"name":"issuable","type":"bool"}],"outputs":[]}
]`

const registryABIJSON = `[
	{"type":"function","name":"verifyIdentity","stateMutability":"nonpayable",
	 "inputs":[{"name":"holder","type":"address"},{"name":"identity","type":"bytes32"},{"name":"validity","type":"uint256"}],"outputs":[]}
]`

var (
	tokenABI    = mustParseABI(tokenABIJSON)
	registryABI = mustParseABI(registryABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
