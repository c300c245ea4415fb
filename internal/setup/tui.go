package setup

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/config"
	"gopkg.in/yaml.v3"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

const wizardTitle = "LENDINGD CONFIG WIZARD"

// Answers collected by the wizard.
type Answers struct {
	Platform           string
	StaticPrices       string
	MinCollateralRatio string
	LiquidationRatio   string
	LiquidationFee     string
	LatePenaltyPerDay  string
	Addr               string
	TLSDomains         string
	JournalDir         string
	LiquidationsDir    string
	KafkaBrokers       string
	KafkaTopic         string
}

// DefaultAnswers prefilled form values.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		Platform:           def.Platform,
		MinCollateralRatio: def.Engine.MinCollateralRatio.String(),
		LiquidationRatio:   def.Engine.LiquidationRatio.String(),
		LiquidationFee:     def.Engine.LiquidationFee.String(),
		LatePenaltyPerDay:  def.Engine.LatePenaltyPerDay.String(),
		Addr:               def.Web.Addr,
		JournalDir:         def.Journal.Dir,
		LiquidationsDir:    def.Journal.LiquidationsDir,
		KafkaTopic:         def.Kafka.Topic,
	}
}

func clearScreen(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render(wizardTitle))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	a := DefaultAnswers()
	var confirm bool

	clearScreen("STEP 1: PRICE FEED")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Collateral is valued with live exchange prices.\n"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select price platform").
				Options(
					huh.NewOption("Binance", config.PlatformBinance),
					huh.NewOption("Bybit", config.PlatformBybit),
					huh.NewOption("Hyperliquid", config.PlatformHyperliquid),
					huh.NewOption("Static prices (testing)", config.PlatformStatic),
				).
				Value(&a.Platform),
		),
	).Run()
	if err != nil {
		return err
	}

	if a.Platform == config.PlatformStatic {
		a.StaticPrices = "BTC=60000,ETH=3000"
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Static prices").
					Description("Comma separated ASSET=PRICE pairs").
					Value(&a.StaticPrices).
					Validate(func(s string) error {
						_, err := parsePrices(s)
						return err
					}),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	clearScreen("STEP 2: RISK PARAMETERS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Minimum collateral ratio").
				Description("Collateral value / debt required to borrow or withdraw (e.g. 1.0)").
				Value(&a.MinCollateralRatio).
				Validate(validatePositive),
			huh.NewInput().
				Title("Liquidation ratio").
				Description("Loans are liquidated below this ratio (e.g. 0.95)").
				Value(&a.LiquidationRatio).
				Validate(validatePositive),
			huh.NewInput().
				Title("Liquidation fee").
				Description("Fraction of the debt added on liquidation (e.g. 0.05)").
				Value(&a.LiquidationFee).
				Validate(validateFraction),
			huh.NewInput().
				Title("Late penalty per day").
				Description("Fraction of the total due per overdue day (e.g. 0.005)").
				Value(&a.LatePenaltyPerDay).
				Validate(validateFraction),
		),
	).Run()
	if err != nil {
		return err
	}

	clearScreen("STEP 3: API AND STORAGE")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Value(&a.Addr),
			huh.NewInput().
				Title("TLS domains").
				Description("Comma separated; leave empty to serve plain HTTP").
				Value(&a.TLSDomains),
			huh.NewInput().
				Title("Journal directory").
				Value(&a.JournalDir),
			huh.NewInput().
				Title("Liquidation log directory").
				Value(&a.LiquidationsDir),
			huh.NewInput().
				Title("Kafka brokers").
				Description("Comma separated; leave empty to disable settlement publishing").
				Value(&a.KafkaBrokers),
			huh.NewInput().
				Title("Kafka topic").
				Value(&a.KafkaTopic),
		),
	).Run()
	if err != nil {
		return err
	}

	clearScreen("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Platform: %s\nMin ratio: %s\nLiquidation ratio: %s\nListen: %s\nJournal: %s\n",
		a.Platform, a.MinCollateralRatio, a.LiquidationRatio, a.Addr, a.JournalDir,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	if err := Write(path, a); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s", path)))
	return nil
}

// Build converts the answers to a config document and checks it parses into a valid config.
func Build(a Answers) (config.ConfigTmp, error) {
	tmp := config.ConfigTmp{
		Platform: a.Platform,
		Engine: config.EngineTmp{
			MinCollateralRatio: a.MinCollateralRatio,
			LiquidationRatio:   a.LiquidationRatio,
			LiquidationFee:     a.LiquidationFee,
			LatePenaltyPerDay:  a.LatePenaltyPerDay,
		},
		Journal: config.JournalTmp{
			Dir:             a.JournalDir,
			LiquidationsDir: a.LiquidationsDir,
		},
		Web: config.WebTmp{
			Addr:       a.Addr,
			TLSDomains: splitList(a.TLSDomains),
		},
		Kafka: config.KafkaTmp{
			Brokers: splitList(a.KafkaBrokers),
			Topic:   a.KafkaTopic,
		},
	}

	if a.Platform == config.PlatformStatic {
		prices, err := parsePrices(a.StaticPrices)
		if err != nil {
			return config.ConfigTmp{}, err
		}
		tmp.Oracle.StaticPrices = prices
	}

	cfg, err := config.Parse(tmp)
	if err != nil {
		return config.ConfigTmp{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.ConfigTmp{}, err
	}

	return tmp, nil
}

// Write builds the config and stores it as YAML.
func Write(path string, a Answers) error {
	tmp, err := Build(a)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(tmp)
	if err != nil {
		return errors.Wrap(err, "failed to generate yaml")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to save config file")
	}
	return nil
}

func validatePositive(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateFraction(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("must be between 0 and 1")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePrices(s string) (map[string]string, error) {
	prices := make(map[string]string)
	for _, pair := range splitList(s) {
		asset, price, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected ASSET=PRICE, got %q", pair)
		}
		asset = strings.ToUpper(strings.TrimSpace(asset))
		price = strings.TrimSpace(price)
		if err := validatePositive(price); err != nil {
			return nil, fmt.Errorf("price of %s: %w", asset, err)
		}
		prices[asset] = price
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("at least one price is required")
	}
	return prices, nil
}
