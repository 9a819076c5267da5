package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/davidahmann/docflow/internal/api"
	"github.com/davidahmann/docflow/internal/directory"
	"github.com/davidahmann/docflow/internal/policy"
	"github.com/davidahmann/docflow/pkg/types"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "policy":
		return handlePolicy(args[2:], stdout, stderr)
	case "action":
		return handleAction(args[2:], stdout, stderr)
	case "history":
		return handleHistory(args[2:], stdout, stderr)
	case "inbox":
		return handleInbox(args[2:], stdout, stderr)
	case "verify":
		return handleVerify(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

type remote struct {
	addr  *string
	token *string
}

func remoteFlags(fs *flag.FlagSet) remote {
	return remote{
		addr:  fs.String("addr", envOrDefault("DOCFLOW_ADDR", defaultAddr), "docflow API address"),
		token: fs.String("token", envOrDefault("DOCFLOW_TOKEN", os.Getenv("DOCFLOW_DEV_TOKEN")), "bearer token"),
	}
}

func handlePolicy(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "lint":
		fs := flag.NewFlagSet("policy lint", flag.ContinueOnError)
		fs.SetOutput(stderr)
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "policy lint requires <tiers_path>")
			fs.Usage()
			return 2
		}
		loaded, err := policy.LoadTiers(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "ok policy_id=%s policy_hash=%s\n", loaded.Tiers.PolicyID, loaded.Hash)
		return 0
	case "validate-condition":
		if len(args) != 2 {
			fmt.Fprintln(stderr, "policy validate-condition requires <expression>")
			return 2
		}
		cond, err := policy.ParseCondition(args[1])
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "ok condition=%q\n", cond.String())
		return 0
	case "preview":
		return handlePreview(args[1:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

// handlePreview generates approval lines locally against a directory file
// without touching a running gateway.
func handlePreview(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy preview", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dirPath := fs.String("directory", envOrDefault("DOCFLOW_DIRECTORY_PATH", "configs/directory.yaml"), "directory YAML path")
	tiersPath := fs.String("tiers", "", "policy tiers YAML path (built-in tiers when empty)")
	branch := fs.String("branch", "", "document branch code")
	policyName := fs.String("policy", "SEQUENTIAL", "approval policy name")
	condition := fs.String("condition", "", "condition expression")
	docType := fs.String("type", "", "document type")
	security := fs.String("security", string(types.SecurityGeneral), "security level")
	amount := fs.Int64("amount", 0, "document amount")
	priority := fs.Int("priority", 0, "document priority")
	targets := fs.String("targets", "", "comma separated cross-branch targets")
	route := fs.String("route", "", "cross-branch route type")
	missing := fs.String("missing-approver", string(policy.MissingApproverSkip), "skip or fail")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *branch == "" {
		fmt.Fprintln(stderr, "policy preview requires --branch")
		fs.Usage()
		return 2
	}

	dir, err := directory.Load(*dirPath)
	if err != nil {
		fmt.Fprintln(stderr, "directory:", err)
		return 1
	}
	tiers := policy.DefaultTiers()
	if *tiersPath != "" {
		if tiers, err = policy.LoadTiers(*tiersPath); err != nil {
			fmt.Fprintln(stderr, "tiers:", err)
			return 1
		}
	}
	engine := policy.NewEngine(dir, tiers.Tiers)
	engine.MissingApprover = policy.MissingApproverMode(*missing)

	doc := types.Document{
		ID:            "preview",
		Title:         "preview",
		DocumentType:  *docType,
		SecurityLevel: types.SecurityLevel(*security),
		Status:        types.DocumentDraft,
		Priority:      *priority,
		Amount:        *amount,
		BranchCode:    *branch,
	}

	ctx := context.Background()
	var lines []types.ApprovalLine
	if *targets != "" {
		rt, err := policy.ParseRouteType(*route)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		lines, err = engine.GenerateParallelCrossBranch(ctx, doc, splitList(*targets), rt, *condition)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
	} else {
		name, err := policy.ParsePolicyName(*policyName)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		line, err := engine.Generate(ctx, doc, name, *condition)
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		lines = []types.ApprovalLine{line}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"lines": lines}); err != nil {
		fmt.Fprintln(stderr, "encode:", err)
		return 1
	}
	return 0
}

var actionNames = map[string]types.Action{
	"approve":  types.ActionApprove,
	"reject":   types.ActionReject,
	"return":   types.ActionReturn,
	"delegate": types.ActionDelegate,
}

func handleAction(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "action requires <approve|reject|return|delegate> <step_id>")
		usage(stderr)
		return 2
	}
	action, ok := actionNames[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown action %q\n", args[0])
		return 2
	}

	fs := flag.NewFlagSet("action "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	rem := remoteFlags(fs)
	comment := fs.String("comment", "", "decision comment")
	delegateTo := fs.String("delegate", "", "delegate target user id")
	idemKey := fs.String("idempotency-key", "", "Idempotency-Key header value")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "action requires <step_id>")
		fs.Usage()
		return 2
	}

	body, err := json.Marshal(api.ActionRequest{
		StepID:        fs.Arg(0),
		Action:        string(action),
		Comments:      *comment,
		UserAgent:     "docflow-cli",
		DelegatedToID: *delegateTo,
	})
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if *idemKey != "" {
		headers["Idempotency-Key"] = *idemKey
	}
	respBody, status, err := httpDo(http.DefaultClient, http.MethodPost, *rem.addr+"/v1/approvals/actions", *rem.token, body, headers)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "action failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}
	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}

	var rec types.ApprovalHistory
	if err := json.Unmarshal(respBody, &rec); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "ok action=%s step_id=%s document_id=%s history_id=%s\n", rec.Action, rec.StepID, rec.DocumentID, rec.ID)
	return 0
}

func handleHistory(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	rem := remoteFlags(fs)
	documentID := fs.String("document", "", "document id")
	userID := fs.String("user", "", "user id")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var path string
	switch {
	case *documentID != "" && *userID == "":
		path = "/v1/documents/" + url.PathEscape(*documentID) + "/history"
	case *userID != "" && *documentID == "":
		path = "/v1/users/" + url.PathEscape(*userID) + "/history"
	default:
		fmt.Fprintln(stderr, "history requires exactly one of --document or --user")
		fs.Usage()
		return 2
	}

	respBody, status, err := httpGet(http.DefaultClient, *rem.addr+path, *rem.token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "history failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}
	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}

	var payload struct {
		History []types.ApprovalHistory `json:"history"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	for _, h := range payload.History {
		fmt.Fprintf(stdout, "%s %s actor=%s document_id=%s", h.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), h.Action, h.ActorID, h.DocumentID)
		if h.DelegatedToID != "" {
			fmt.Fprintf(stdout, " delegated_to=%s", h.DelegatedToID)
		}
		if h.Comment != "" {
			fmt.Fprintf(stdout, " comment=%q", h.Comment)
		}
		fmt.Fprintln(stdout)
	}
	return 0
}

func handleInbox(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("inbox", flag.ContinueOnError)
	fs.SetOutput(stderr)
	rem := remoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "inbox requires <user_id>")
		fs.Usage()
		return 2
	}

	respBody, status, err := httpGet(http.DefaultClient, *rem.addr+"/v1/users/"+url.PathEscape(fs.Arg(0))+"/inbox", *rem.token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "inbox failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	var payload struct {
		Items []struct {
			Document types.Document     `json:"document"`
			Step     types.ApprovalStep `json:"step"`
		} `json:"items"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	for _, item := range payload.Items {
		fmt.Fprintf(stdout, "step_id=%s document_id=%s title=%q role=%s\n", item.Step.ID, item.Document.ID, item.Document.Title, item.Step.RoleName)
	}
	return 0
}

func handleVerify(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	rem := remoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "verify requires <document_id>")
		fs.Usage()
		return 2
	}
	documentID := fs.Arg(0)

	respBody, status, err := httpGet(http.DefaultClient, *rem.addr+"/v1/documents/"+url.PathEscape(documentID)+"/history/verify", *rem.token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "verify failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	var payload struct {
		DocumentID string `json:"documentId"`
		Valid      bool   `json:"valid"`
		Error      string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	if payload.Valid {
		fmt.Fprintf(stdout, "valid=true document_id=%s\n", payload.DocumentID)
		return 0
	}
	fmt.Fprintf(stdout, "valid=false document_id=%s error=%s\n", payload.DocumentID, payload.Error)
	return 1
}

func httpGet(client *http.Client, url string, token string) ([]byte, int, error) {
	return httpDo(client, http.MethodGet, url, token, nil, nil)
}

func httpDo(client *http.Client, method, url, token string, body []byte, headers map[string]string) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprint(w, `docflow CLI

Usage:
  docflow policy lint <tiers_path>
  docflow policy validate-condition <expression>
  docflow policy preview --branch CODE [--policy NAME] [--condition EXPR] [--amount N]
                         [--targets A,B --route ROUTE] [--directory PATH] [--tiers PATH]
  docflow action <approve|reject|return|delegate> <step_id> [--comment TEXT] [--delegate USER]
                 [--idempotency-key KEY] [--json] [--addr URL] [--token TOKEN]
  docflow history (--document ID | --user ID) [--json] [--addr URL] [--token TOKEN]
  docflow inbox <user_id> [--addr URL] [--token TOKEN]
  docflow verify <document_id> [--addr URL] [--token TOKEN]
`)
}
