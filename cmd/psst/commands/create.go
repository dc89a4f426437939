package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"psst/pkg/domain"

	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func NewCreateCommand(cfg *Config) *cobra.Command {
	var (
		text      string
		file      string
		expiry    int64
		encrypted bool
		salt      string
		iv        string
		qrPath    string
	)

	cmd := &cobra.Command{
		Use:   "create [paste-id]",
		Short: "Create a one-time paste",
		Long: `Create a paste that can be read exactly once before it expires.

Without a paste id the server picks a random one. Content comes from --text,
--file, or stdin when --file is "-".

Examples:
  psst create --text "db password rotated"
  psst create my-handoff-01 --file notes.txt --expiry 600
  psst create --encrypted --salt "$SALT" --iv "$IV" --file cipher.b64`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
				if !domain.ValidID(id) {
					return errors.Errorf("invalid paste id %q: use 10-50 letters, digits, dashes or underscores", id)
				}
			}
			content, err := readContent(cmd, text, file)
			if err != nil {
				return err
			}
			if encrypted {
				content = strings.TrimSpace(content)
				if salt == "" || iv == "" {
					return errors.New("--encrypted requires --salt and --iv")
				}
			}

			client := NewClient(cfg)
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
			defer cancel()
			res, err := client.Create(ctx, CreateRequest{
				ID:            id,
				Content:       content,
				ExpirySeconds: expiry,
				IsEncrypted:   encrypted,
				Salt:          salt,
				IV:            iv,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			link := client.PasteURL(res.ID)
			fmt.Fprintf(out, "Created %s (%d bytes, expires in %ds)\n", res.ID, res.ContentLength, res.ExpirySeconds)
			fmt.Fprintln(out, link)
			if res.SecretDetected {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: content looks like it contains secrets (%s); it will be withheld on read\n",
					strings.Join(res.SecretCategories, ", "))
			}
			if qrPath != "" {
				if err := qrcode.WriteFile(link, qrcode.Medium, 256, qrPath); err != nil {
					return errors.Wrap(err, "write qr code")
				}
				fmt.Fprintf(out, "QR code written to %s\n", qrPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Paste content")
	cmd.Flags().StringVar(&file, "file", "", "Read content from file (- for stdin)")
	cmd.Flags().Int64Var(&expiry, "expiry", 3600, "Expiry in seconds")
	cmd.Flags().BoolVar(&encrypted, "encrypted", false, "Content is base64 ciphertext produced client-side")
	cmd.Flags().StringVar(&salt, "salt", "", "Key derivation salt for encrypted content")
	cmd.Flags().StringVar(&iv, "iv", "", "Cipher IV for encrypted content")
	cmd.Flags().StringVar(&qrPath, "qr", "", "Write a PNG QR code of the paste URL to this path")
	cmd.MarkFlagsMutuallyExclusive("text", "file")
	return cmd
}

func readContent(cmd *cobra.Command, text, file string) (string, error) {
	switch {
	case text != "":
		return text, nil
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), errors.Wrap(err, "read stdin")
	case file != "":
		b, err := os.ReadFile(file)
		return string(b), errors.Wrapf(err, "read %s", file)
	}
	return "", errors.New("provide content via --text or --file")
}
