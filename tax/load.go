package tax

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// scheduleFile is the on-disk YAML shape. Amounts are strings so that no
// value ever passes through float64.
//
//	id: HN-2025
//	income_tax:
//	  - {upper: "21457.76", rate: "0"}
//	  - {upper: "30969.88", rate: "0.15"}
//	  - {upper: "67604.36", rate: "0.20", base: "1428.32"}
//	  - {rate: "0.25", base: "8734.32"}
//	social_security: {cap: "11903.13", rate: "0.05"}
//	pension: {floor: "11903.13", rate: "0.015"}
type scheduleFile struct {
	ID        string `yaml:"id"`
	IncomeTax []struct {
		Upper string `yaml:"upper"`
		Rate  string `yaml:"rate"`
		Base  string `yaml:"base"`
	} `yaml:"income_tax"`
	SocialSecurity struct {
		Cap  string `yaml:"cap"`
		Rate string `yaml:"rate"`
	} `yaml:"social_security"`
	Pension struct {
		Floor string `yaml:"floor"`
		Rate  string `yaml:"rate"`
	} `yaml:"pension"`
}

// LoadSchedule reads and validates a YAML schedule file.
func LoadSchedule(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tax schedule: %w", err)
	}
	return ParseSchedule(data)
}

// ParseSchedule decodes and validates a YAML schedule.
func ParseSchedule(data []byte) (*Schedule, error) {
	var raw scheduleFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode tax schedule: %w", err)
	}

	p := &amountParser{schedule: raw.ID}
	n := len(raw.IncomeTax)
	uppers := make([]decimal.Decimal, n)
	rates := make([]decimal.Decimal, n)
	bases := make([]decimal.Decimal, n)
	for i, b := range raw.IncomeTax {
		if i < n-1 {
			uppers[i] = p.parse(fmt.Sprintf("income_tax[%d].upper", i), b.Upper)
		}
		rates[i] = p.parse(fmt.Sprintf("income_tax[%d].rate", i), b.Rate)
		bases[i] = p.parseOptional(fmt.Sprintf("income_tax[%d].base", i), b.Base)
	}

	s := &Schedule{
		ID:                 raw.ID,
		IncomeTax:          NewBrackets(uppers, rates, bases),
		SocialSecurityCap:  p.parse("social_security.cap", raw.SocialSecurity.Cap),
		SocialSecurityRate: p.parse("social_security.rate", raw.SocialSecurity.Rate),
		PensionFloor:       p.parse("pension.floor", raw.Pension.Floor),
		PensionRate:        p.parse("pension.rate", raw.Pension.Rate),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// amountParser keeps the first parse failure so ParseSchedule stays linear.
type amountParser struct {
	schedule string
	err      error
}

func (p *amountParser) parse(name, value string) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		p.err = &ScheduleError{Schedule: p.schedule, Reason: fmt.Sprintf("%s: %q is not a decimal", name, value)}
		return decimal.Zero
	}
	return d
}

func (p *amountParser) parseOptional(name, value string) decimal.Decimal {
	if value == "" {
		return decimal.Zero
	}
	return p.parse(name, value)
}
