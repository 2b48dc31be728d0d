package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/persistence"
)

var (
	permActions   []string
	permTTL       time.Duration
	permAll       bool
	permNote      string
	permReason    string
	permAccount   string
	scopePaths    []string
	scopeBooks    []string
	scopeLabels   []string
	scopeVPS      []string
	scopeCmds     []string
	targetPath    string
	targetBook    string
	targetLabel   string
	targetVPS     string
	targetCommand string
)

var permissionCmd = &cobra.Command{
	Use:     "permission",
	Aliases: []string{"perm"},
	Short:   "Grant, check and revoke owner permissions",
}

func scopeFromFlags() permission.Scope {
	return permission.Scope{
		AllowedPaths: scopePaths,
		NotebookIDs:  scopeBooks,
		EmailLabels:  scopeLabels,
		VPSIDs:       scopeVPS,
		Commands:     scopeCmds,
	}
}

func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&permActions, "actions", nil, "actions to grant: read, write, execute, delete")
	cmd.Flags().StringSliceVar(&scopePaths, "path", nil, "allowed path prefix (repeatable)")
	cmd.Flags().StringSliceVar(&scopeBooks, "notebook", nil, "allowed notebook id (repeatable)")
	cmd.Flags().StringSliceVar(&scopeLabels, "label", nil, "allowed email label (repeatable)")
	cmd.Flags().StringSliceVar(&scopeVPS, "vps", nil, "allowed vps id (repeatable)")
	cmd.Flags().StringSliceVar(&scopeCmds, "command", nil, "allowed command prefix (repeatable)")
}

func expiryFromTTL(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(ttl)
	return &t
}

var permGrantCmd = &cobra.Command{
	Use:   "grant <resource>",
	Short: "Grant the owner actions on a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		p, err := a.auth.Grant(cmd.Context(), owner, args[0], permActions, scopeFromFlags(), expiryFromTTL(permTTL))
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), p)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "granted %s %s (%s), expires %s\n",
			p.Resource, strings.Join(p.Actions, ","), p.ID, formatTime(p.ExpiresAt))
		return nil
	},
}

var permListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the owner's grants",
	RunE: func(cmd *cobra.Command, _ []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		perms, err := a.auth.List(cmd.Context(), owner, permAll)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), perms)
		}
		rows := make([][]string, 0, len(perms))
		for _, p := range perms {
			state := "active"
			if p.RevokedAt != nil {
				state = "revoked"
			} else if !p.ActiveAt(time.Now()) {
				state = "expired"
			}
			rows = append(rows, []string{p.ID, p.Resource, strings.Join(p.Actions, ","), state, formatTime(p.ExpiresAt)})
		}
		return table(cmd.OutOrStdout(), "ID\tRESOURCE\tACTIONS\tSTATE\tEXPIRES", rows)
	},
}

var permCheckCmd = &cobra.Command{
	Use:   "check <resource> <action>",
	Short: "Evaluate the owner's grants for one action",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		d := a.auth.Decide(cmd.Context(), owner, args[0], args[1], permission.Target{
			Path:       targetPath,
			NotebookID: targetBook,
			EmailLabel: targetLabel,
			VPSID:      targetVPS,
			Command:    targetCommand,
		})
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), d)
		}
		if d.Allowed {
			fmt.Fprintf(cmd.OutOrStdout(), "allowed by %s\n", d.PermissionID)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "denied: %s\n", d.Reason)
		return nil
	},
}

var permRevokeCmd = &cobra.Command{
	Use:   "revoke <permission-id>",
	Short: "Revoke a grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.auth.Revoke(cmd.Context(), owner, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
		return nil
	},
}

var permRequestCmd = &cobra.Command{
	Use:   "request <resource>",
	Short: "File a pending permission request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		r, err := a.auth.RequestPermission(cmd.Context(), owner, args[0], permActions, scopeFromFlags(), permReason)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), r)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requested %s (%s)\n", r.Resource, r.ID)
		return nil
	},
}

var permRequestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List the owner's pending requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		reqs, err := a.auth.PendingRequests(cmd.Context(), owner)
		if err != nil {
			return err
		}
		if jsonFlag {
			return printJSON(cmd.OutOrStdout(), reqs)
		}
		rows := make([][]string, 0, len(reqs))
		for _, r := range reqs {
			rows = append(rows, []string{r.ID, r.Resource, strings.Join(r.Actions, ","), truncate(r.Reason, 50)})
		}
		return table(cmd.OutOrStdout(), "ID\tRESOURCE\tACTIONS\tREASON", rows)
	},
}

// ownRequest makes approve/deny act only on the owner's own requests.
func ownRequest(cmd *cobra.Command, a *app, owner, id string) error {
	r, err := a.store.GetPermissionRequest(cmd.Context(), id)
	if err != nil {
		return err
	}
	if r == nil || r.Owner != owner {
		return fmt.Errorf("permission request %s: %w", id, persistence.ErrNotFound)
	}
	return nil
}

var permApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending request into a grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := ownRequest(cmd, a, owner, args[0]); err != nil {
			return err
		}
		p, err := a.auth.ApproveRequest(cmd.Context(), args[0], expiryFromTTL(permTTL))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "approved %s as %s\n", args[0], p.ID)
		return nil
	},
}

var permDenyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := ownRequest(cmd, a, owner, args[0]); err != nil {
			return err
		}
		if _, err := a.auth.DenyRequest(cmd.Context(), args[0], permNote); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "denied %s\n", args[0])
		return nil
	},
}

var permConnectCmd = &cobra.Command{
	Use:   "connect <resource>",
	Short: "Record that the owner linked the account a resource needs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := resolveOwner()
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.store.SetConnection(cmd.Context(), persistence.Connection{Owner: owner, Resource: args[0], Account: permAccount}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "connected %s\n", args[0])
		return nil
	},
}

func init() {
	addScopeFlags(permGrantCmd)
	permGrantCmd.Flags().DurationVar(&permTTL, "ttl", 0, "grant lifetime (default permissions.default_ttl_days)")
	addScopeFlags(permRequestCmd)
	permRequestCmd.Flags().StringVar(&permReason, "reason", "", "why the access is needed")
	permApproveCmd.Flags().DurationVar(&permTTL, "ttl", 0, "grant lifetime (default permissions.default_ttl_days)")
	permDenyCmd.Flags().StringVar(&permNote, "note", "", "note stored with the denial")
	permListCmd.Flags().BoolVar(&permAll, "all", false, "include revoked and expired grants")
	permConnectCmd.Flags().StringVar(&permAccount, "account", "", "linked account identifier")

	permCheckCmd.Flags().StringVar(&targetPath, "path", "", "target path")
	permCheckCmd.Flags().StringVar(&targetBook, "notebook", "", "target notebook id")
	permCheckCmd.Flags().StringVar(&targetLabel, "label", "", "target email label")
	permCheckCmd.Flags().StringVar(&targetVPS, "vps", "", "target vps id")
	permCheckCmd.Flags().StringVar(&targetCommand, "command", "", "target command line")

	permissionCmd.AddCommand(permGrantCmd, permListCmd, permCheckCmd, permRevokeCmd,
		permRequestCmd, permRequestsCmd, permApproveCmd, permDenyCmd, permConnectCmd)
}
