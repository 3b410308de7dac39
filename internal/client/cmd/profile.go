package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"miqo-core/internal/client/cli"
	"miqo-core/internal/config/schema"
	"miqo-core/internal/profile"
)

// newProfileCommand 配置管理命令组
func newProfileCommand(a *app) *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage broker profiles",
		Long: `Manage named broker connection profiles.

Commands:
  save      Create or overwrite a profile
  list      List saved profiles
  show      Show a profile
  delete    Delete a profile`,
	}

	profileCmd.AddCommand(newProfileSaveCommand(a))
	profileCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved profiles",
		Args:    cobra.NoArgs,
		RunE:    a.runProfileList,
	})
	profileCmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Show a profile",
		Args:  cobra.ExactArgs(1),
		RunE:  a.runProfileShow,
	})
	profileCmd.AddCommand(&cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a profile",
		Args:    cobra.ExactArgs(1),
		RunE:    a.runProfileDelete,
	})
	return profileCmd
}

// profileFlags profile save 的参数
type profileFlags struct {
	name           string
	host           string
	port           string
	tls            bool
	mqttVersion    string
	username       string
	password       string
	passwordPrompt bool
	cert           string
	key            string
	clientID       string
}

func newProfileSaveCommand(a *app) *cobra.Command {
	f := &profileFlags{}
	saveCmd := &cobra.Command{
		Use:   "save",
		Short: "Create or overwrite a profile",
		Long: `Create or overwrite a broker profile. A profile with the same name is replaced.

Examples:
  miqo profile save --name local --host localhost
  miqo profile save --name prod --host mqtt.example.com --port 8883 --tls \
      --username viewer --password-prompt
  miqo profile save --name lab --host 10.0.0.5 --cert client.crt --key client.key`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runProfileSave(cmd, f)
		},
	}

	flags := saveCmd.Flags()
	flags.StringVar(&f.name, "name", "", "Profile name (also the file name)")
	flags.StringVar(&f.host, "host", "", "Broker hostname")
	flags.StringVar(&f.port, "port", strconv.Itoa(profile.DefaultPort), "Broker port")
	flags.BoolVar(&f.tls, "tls", false, "Connect with TLS")
	flags.StringVar(&f.mqttVersion, "mqtt-version", string(profile.MQTTVersionAuto), "MQTT version: auto/v3/v3_1/v3_1_1/v5")
	flags.StringVar(&f.username, "username", "", "Username for password authentication")
	flags.StringVar(&f.password, "password", "", "Password for password authentication")
	flags.BoolVar(&f.passwordPrompt, "password-prompt", false, "Read the password from the terminal")
	flags.StringVar(&f.cert, "cert", "", "Client certificate file for mutual TLS")
	flags.StringVar(&f.key, "key", "", "Client key file for mutual TLS")
	flags.StringVar(&f.clientID, "client-id", "", "MQTT client id (engine default when empty)")
	saveCmd.MarkFlagsMutuallyExclusive("password", "password-prompt")
	saveCmd.MarkFlagsRequiredTogether("cert", "key")
	return saveCmd
}

// buildConfig 由标志构建配置；端口在这里从字符串转换
func (f *profileFlags) buildConfig() (profile.ClientConfig, error) {
	c := profile.DefaultClientConfig()
	c.Name = f.name
	c.Hostname = f.host
	c.MQTTVersion = profile.MQTTVersion(f.mqttVersion)
	c.ClientID = f.clientID

	port, err := strconv.Atoi(strings.TrimSpace(f.port))
	if err != nil {
		return c, &profile.ValidationError{Fields: []profile.FieldError{
			{Field: "port", Message: profile.PortRangeMessage},
		}}
	}
	c.Port = port

	if f.tls {
		c.Protocol = profile.ProtocolTLS
	}
	if f.username != "" || f.password != "" || f.passwordPrompt {
		c.AuthType = profile.AuthPassword
		c.PasswordAuth = true
		c.Username = f.username
		c.Password = f.password
	}
	if f.cert != "" || f.key != "" {
		c.AuthType = profile.AuthClientCert
		c.MTLS = true
		c.CertFile = f.cert
		c.KeyFile = f.key
	}
	return c, nil
}

func (a *app) runProfileSave(cmd *cobra.Command, f *profileFlags) error {
	c, err := f.buildConfig()
	if err == nil && f.passwordPrompt {
		c.Password, err = readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
	}
	if err != nil {
		return a.reportValidation(err)
	}

	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if err := store.Save(ctx, c); err != nil {
		return a.reportValidation(err)
	}
	a.out.Success("Profile %q saved to %s", c.Name, store.Dir())
	return nil
}

// reportValidation 逐字段输出校验错误
func (a *app) reportValidation(err error) error {
	var verr *profile.ValidationError
	if errors.As(err, &verr) {
		for _, fe := range verr.Fields {
			a.out.Error("%s: %s", fe.Field, fe.Message)
		}
	}
	return err
}

// readPassword 终端下不回显读取，否则读取一行
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "Password: ")
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(data), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) runProfileList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	t, err := cli.ProfileTable(ctx, store)
	if err != nil {
		return err
	}
	if t.Len() == 0 {
		a.out.Info("No profiles in %s", store.Dir())
		return nil
	}
	a.out.Table(t)
	return nil
}

func (a *app) runProfileShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	c, err := store.Load(ctx, args[0])
	if err != nil {
		return a.reportValidation(err)
	}

	a.out.Header(c.Name)
	a.out.KeyValue("Broker", profile.BrokerURL(c))
	a.out.KeyValue("MQTT version", string(c.MQTTVersion))
	a.out.KeyValue("Auth", string(c.AuthType))
	if c.PasswordAuth {
		a.out.KeyValue("Username", c.Username)
		a.out.KeyValue("Password", schema.Secret(c.Password).String())
	}
	if c.MTLS {
		a.out.KeyValue("Client cert", c.CertFile)
		a.out.KeyValue("Client key", c.KeyFile)
	}
	if c.ClientID != "" {
		a.out.KeyValue("Client ID", c.ClientID)
	}
	return nil
}

func (a *app) runProfileDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if err := store.Delete(ctx, args[0]); err != nil {
		return err
	}
	a.out.Success("Profile %q deleted", args[0])
	return nil
}
