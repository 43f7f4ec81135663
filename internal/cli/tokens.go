package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/kilupskalvis/pkgstore/internal/client"
	"github.com/spf13/cobra"
)

var (
	adminURL   string
	adminToken string

	tokenDesc       string
	tokenOwners     []string
	tokenPermission string
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage access tokens",
	Long:  "Commands for managing access tokens on a running pkgstore server.",
}

var tokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new access token",
	Long: `Create a new access token.

A token may publish under the owners it lists ("*" grants every owner).
Read-only tokens authenticate but cannot publish.

Examples:
  pkgstore tokens create --owner acme --permission rw --desc "acme CI"
  pkgstore tokens create --permission ro`,
	Run: runTokensCreate,
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all access tokens",
	Run:   runTokensList,
}

var tokensDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an access token",
	Args:  cobra.ExactArgs(1),
	Run:   runTokensDelete,
}

// addAdminFlags binds the admin connection flags shared by remote commands.
func addAdminFlags(cmd *cobra.Command, persistent bool) {
	f := cmd.Flags()
	if persistent {
		f = cmd.PersistentFlags()
	}
	f.StringVar(&adminURL, "url", os.Getenv("PKGSTORE_URL"), "Server base URL (env: PKGSTORE_URL)")
	f.StringVar(&adminToken, "admin-token", os.Getenv("PKGSTORE_ADMIN_TOKEN"), "Admin token (env: PKGSTORE_ADMIN_TOKEN)")
}

func init() {
	addAdminFlags(tokensCmd, true)
	tokensCmd.AddCommand(tokensCreateCmd, tokensListCmd, tokensDeleteCmd)

	tf := tokensCreateCmd.Flags()
	tf.StringVar(&tokenDesc, "desc", "", "Token description")
	tf.StringArrayVar(&tokenOwners, "owner", nil, "Owner the token may publish under, repeat for multiple (default: *)")
	tf.StringVar(&tokenPermission, "permission", "rw", "Permission level: ro or rw")
}

// resolveAdminClient builds an AdminClient from the admin flags.
func resolveAdminClient() *client.AdminClient {
	if adminURL == "" {
		exitError("--url or PKGSTORE_URL is required")
	}
	if adminToken == "" {
		exitError("--admin-token or PKGSTORE_ADMIN_TOKEN is required")
	}
	c := client.NewAdminClient(adminURL, adminToken)
	if c.Insecure() {
		fmt.Fprintf(os.Stderr, "warning: sending credentials over unencrypted HTTP connection\n")
	}
	return c
}

func runTokensCreate(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	owners := tokenOwners
	if len(owners) == 0 {
		owners = []string{"*"}
	}

	resp, err := c.CreateToken(context.Background(), tokenDesc, owners, tokenPermission)
	if err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println("Token created.")
	fmt.Printf("  ID:          %s\n", resp.ID)
	fmt.Printf("  Description: %s\n", resp.Description)
	fmt.Printf("  Owners:      %s\n", strings.Join(resp.Owners, ", "))
	fmt.Printf("  Permission:  %s\n", resp.Permission)
	fmt.Println()
	green.Printf("Token: %s\n", resp.Token)
	yellow.Println("Save this token, it will not be shown again.")
}

func runTokensList(_ *cobra.Command, _ []string) {
	c := resolveAdminClient()

	tokens, err := c.ListTokens(context.Background())
	if err != nil {
		exitError("%v", err)
	}

	if len(tokens) == 0 {
		return
	}

	fmt.Printf("  %-36s  %-20s  %-16s  %-10s  %s\n", "ID", "Description", "Owners", "Permission", "Created")
	for _, t := range tokens {
		fmt.Printf("  %-36s  %-20s  %-16s  %-10s  %s\n",
			t.ID,
			t.Description,
			strings.Join(t.Owners, ","),
			t.Permission,
			t.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
}

func runTokensDelete(_ *cobra.Command, args []string) {
	c := resolveAdminClient()

	if err := c.DeleteToken(context.Background(), args[0]); err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Deleted token '%s'\n", args[0])
}
