package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	qtls "github.com/psantana5/qrbatch/pkg/tls"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	caCert       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "qrbatch",
	Short: "Bulk QR code job orchestrator",
	Long: `qrbatch renders large batches of QR codes asynchronously. The server command
runs the API, the worker pool and the retention sweeper; the jobs commands talk
to a running server.`,
	SilenceUsage:      true,
	PersistentPreRunE: configureClient,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initClientConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./qrbatch.yaml or /etc/qrbatch/qrbatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "API URL for jobs commands (default from QRBATCH_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&caCert, "ca-cert", "", "CA certificate to trust for an HTTPS server (default from QRBATCH_CA_CERT)")
}

// initClientConfig resolves the API URL for the jobs commands
func initClientConfig() {
	v := viper.New()
	v.SetEnvPrefix("QRBATCH")
	_ = v.BindEnv("url")
	_ = v.BindEnv("ca_cert")

	if serverURL == "" {
		serverURL = v.GetString("url")
	}
	if caCert == "" {
		caCert = v.GetString("ca_cert")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// GetServerURL returns the configured API URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

var httpClient = &http.Client{Timeout: 60 * time.Second}

// configureClient makes httpClient trust --ca-cert
func configureClient(cmd *cobra.Command, args []string) error {
	if caCert == "" {
		return nil
	}
	tc, err := qtls.ClientConfig(caCert, "", "")
	if err != nil {
		return fmt.Errorf("failed to load --ca-cert: %w", err)
	}
	httpClient.Transport = &http.Transport{TLSClientConfig: tc}
	return nil
}

// newRequest creates an API request against the configured server
func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	return http.NewRequest(method, GetServerURL()+path, body)
}
