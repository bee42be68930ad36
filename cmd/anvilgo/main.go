// Command anvilgo starts an ephemeral devnet backend: a single
// urfave/cli/v2 app with one default action rather than a full
// subcommand tree — this devnet has no multi-subcommand surface to
// justify one.
package main

import (
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/ethdevnet/anvil/backend"
)

var (
	chainIDFlag = &cli.Uint64Flag{
		Name:  "chain-id",
		Usage: "chain id presented to clients",
		Value: 31337,
	}
	gasLimitFlag = &cli.Uint64Flag{
		Name:  "gas-limit",
		Usage: "block gas limit",
		Value: 30_000_000,
	}
	balanceFlag = &cli.StringFlag{
		Name:  "balance",
		Usage: "initial balance (in ether) for the dev accounts",
		Value: "10000",
	}
	autoMineFlag = &cli.BoolFlag{
		Name:  "auto-mine",
		Usage: "mine a block immediately after every accepted transaction",
		Value: true,
	}
	forkURLFlag = &cli.StringFlag{
		Name:  "fork-url",
		Usage: "JSON-RPC URL of a chain to fork from; empty starts a fresh chain",
	}
	forkBlockFlag = &cli.Uint64Flag{
		Name:  "fork-block",
		Usage: "block number to fork at (0 means the fork provider's latest)",
	}
	odysseyFlag = &cli.BoolFlag{
		Name:  "odyssey",
		Usage: "predeploy the fixed P256 delegation contract and experimental ERC20",
	}
	timestampFlag = &cli.Uint64Flag{
		Name:  "timestamp",
		Usage: "genesis block timestamp (seconds since unix epoch; 0 means epoch)",
	}
	coinbaseFlag = &cli.StringFlag{
		Name:  "coinbase",
		Usage: "beneficiary address mined blocks pay fees to",
	}
	blockTimeFlag = &cli.Uint64Flag{
		Name:  "block-time",
		Usage: "mine a block every N seconds instead of after each transaction (0 disables)",
	}
	txBlockKeeperFlag = &cli.Uint64Flag{
		Name:  "transaction-block-keeper",
		Usage: "number of recent blocks whose transactions stay resolvable by hash (0 keeps all)",
	}
	historyFlag = &cli.IntFlag{
		Name:  "state-history",
		Usage: "number of historical state roots kept in memory",
		Value: 256,
	}
)

func main() {
	app := &cli.App{
		Name:  "anvilgo",
		Usage: "an ephemeral Ethereum-compatible devnet node",
		Flags: []cli.Flag{
			chainIDFlag, gasLimitFlag, balanceFlag, autoMineFlag,
			forkURLFlag, forkBlockFlag, odysseyFlag, timestampFlag,
			coinbaseFlag, blockTimeFlag, txBlockKeeperFlag, historyFlag,
		},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("anvilgo terminated", "err", err)
	}
}

func run(c *cli.Context) error {
	balEther, ok := new(big.Int).SetString(c.String(balanceFlag.Name), 10)
	if !ok {
		return fmt.Errorf("invalid --balance %q", c.String(balanceFlag.Name))
	}
	balWei := new(big.Int).Mul(balEther, big.NewInt(params.Ether))

	blockTime := c.Uint64(blockTimeFlag.Name)
	cfg := backend.Config{
		ChainConfig:            params.AllEthashProtocolChanges,
		ChainID:                new(big.Int).SetUint64(c.Uint64(chainIDFlag.Name)),
		GasLimit:               c.Uint64(gasLimitFlag.Name),
		Coinbase:               common.HexToAddress(c.String(coinbaseFlag.Name)),
		AutoMine:               c.Bool(autoMineFlag.Name) && blockTime == 0,
		MinGasPrice:            uint256.NewInt(0),
		Genesis:                devAccounts(balWei),
		TransactionBlockKeeper: c.Uint64(txBlockKeeperFlag.Name),
		HistoryCapacity:        c.Int(historyFlag.Name),
		ForkURL:                c.String(forkURLFlag.Name),
		ForkBlock:              c.Uint64(forkBlockFlag.Name),
		Odyssey:                c.Bool(odysseyFlag.Name),
		GenesisTimestamp:       c.Uint64(timestampFlag.Name),
	}

	bk, err := backend.New(cfg)
	if err != nil {
		return fmt.Errorf("anvilgo: %w", err)
	}
	defer bk.Close()

	stopMining := make(chan struct{})
	if blockTime > 0 {
		bk.SetIntervalMining(blockTime)
		go mineOnInterval(bk, blockTime, stopMining)
	}

	log.Info("anvilgo started", "chainID", cfg.ChainID, "gasLimit", cfg.GasLimit,
		"autoMine", cfg.AutoMine, "blockTime", blockTime)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	close(stopMining)
	log.Info("anvilgo shutting down")
	return nil
}

// mineOnInterval seals a block every blockTime seconds until stop
// closes, the devnet's interval-mining mode.
func mineOnInterval(bk *backend.Backend, blockTime uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(blockTime) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := bk.Mine(); err != nil {
				log.Error("interval mining failed", "err", err)
			}
		case <-stop:
			return
		}
	}
}

// devAccounts returns the ten well-known dev private-key addresses,
// pre-funded the way Anvil's own default account set works, so the CLI
// is usable without any further setup.
func devAccounts(balance *big.Int) map[common.Address]gethtypes.Account {
	addrs := []string{
		"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		"0x90F79bf6EB2c4f870365E785982E1f101E93b906",
		"0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65",
		"0x9965507D1a55bcC2695C58ba16FB37d819B0A4dc",
		"0x976EA74026E726554dB657fA54763abd0C3a0aa9",
		"0x14dC79964da2C08b23698B3D3cc7Ca32193d9955",
		"0x23618e81E3f5cdF7f54C3d65f7FBc0aBf5B21E8f",
		"0xa0Ee7A142d267C1f36714E4a8F75612F20a79720",
	}
	out := make(map[common.Address]gethtypes.Account, len(addrs))
	for _, a := range addrs {
		out[common.HexToAddress(a)] = gethtypes.Account{Balance: new(big.Int).Set(balance)}
	}
	return out
}
