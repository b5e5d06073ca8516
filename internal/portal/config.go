// Package portal drives the municipal NFS-e portal: login, the issued-notes
// search with its pagination, and per-row XML downloads.
package portal

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Selectors locate the portal's controls. Entries starting with "/" or "("
// are XPath; everything else is CSS.
type Selectors struct {
	LoginUser     string `mapstructure:"login_user"`
	LoginPassword string `mapstructure:"login_password"`
	LoginSubmit   string `mapstructure:"login_submit"`
	LoggedIn      string `mapstructure:"logged_in"`
	LoginError    string `mapstructure:"login_error"`

	SearchStart  string `mapstructure:"search_start"`
	SearchEnd    string `mapstructure:"search_end"`
	SearchSubmit string `mapstructure:"search_submit"`
	ResultsTable string `mapstructure:"results_table"`
	Pagination   string `mapstructure:"pagination"`
	// RowXPath addresses one result row by its 1-based position; it must
	// contain a single %d verb.
	RowXPath string `mapstructure:"row_xpath"`
}

// Config describes the portal and how patiently to drive it.
type Config struct {
	BaseURL    string `mapstructure:"base_url"`
	LoginPath  string `mapstructure:"login_path"`
	SearchPath string `mapstructure:"search_path"`
	// PageURLTemplate builds the URL of result pages after the first. It may
	// reference {page}, {start} and {end}; relative templates resolve against
	// BaseURL.
	PageURLTemplate string `mapstructure:"page_url_template"`
	DateFormat      string `mapstructure:"date_format"`
	// PageSize is the portal's maximum rows per result page.
	PageSize int `mapstructure:"page_size"`

	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	DownloadTimeout  time.Duration `mapstructure:"download_timeout"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	ActionsPerSecond float64       `mapstructure:"actions_per_second"`

	Selectors Selectors `mapstructure:"selectors"`
}

// DefaultConfig returns the settings of the reference portal deployment.
func DefaultConfig() Config {
	return Config{
		LoginPath:        "/login",
		SearchPath:       "/notas/emitidas",
		PageURLTemplate:  "/notas/emitidas?pagina={page}&dataInicial={start}&dataFinal={end}",
		DateFormat:       "02/01/2006",
		PageSize:         10,
		MaxRetries:       3,
		BackoffBase:      2 * time.Second,
		DownloadTimeout:  30 * time.Second,
		SettleDelay:      500 * time.Millisecond,
		ActionsPerSecond: 2,
		Selectors: Selectors{
			LoginUser:     "#cnpj",
			LoginPassword: "#senha",
			LoginSubmit:   "button[type='submit']",
			LoggedIn:      "#menu-usuario",
			LoginError:    ".alert-danger",
			SearchStart:   "#dataInicial",
			SearchEnd:     "#dataFinal",
			SearchSubmit:  "#btnPesquisar",
			ResultsTable:  "table.table",
			Pagination:    "ul.pagination",
			RowXPath:      "(//table[contains(@class,'table')]//tr)[%d]",
		},
	}
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("portal: base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("portal: base_url %q must be an absolute URL", c.BaseURL)
	}
	if c.PageSize <= 0 {
		return errors.New("portal: page_size must be > 0")
	}
	if c.MaxRetries < 0 {
		return errors.New("portal: max_retries must be >= 0")
	}
	if c.DownloadTimeout <= 0 {
		return errors.New("portal: download_timeout must be > 0")
	}
	if c.ActionsPerSecond < 0 {
		return errors.New("portal: actions_per_second must be >= 0")
	}
	if c.DateFormat == "" {
		return errors.New("portal: date_format is required")
	}
	if strings.Count(c.Selectors.RowXPath, "%d") != 1 {
		return errors.New("portal: selectors.row_xpath must contain exactly one %d")
	}
	return nil
}

// URL resolves a portal path against BaseURL.
func (c Config) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// rowSelector returns the XPath of the 1-based result row.
func (c Config) rowSelector(index int) string {
	return fmt.Sprintf(c.Selectors.RowXPath, index)
}
