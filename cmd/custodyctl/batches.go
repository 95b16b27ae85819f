package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beantrace/custody/pkg/custody"
)

var (
	createBrandID      string
	createProducer     string
	createHolder       string
	createParticipants []string

	stageName       string
	stagePartner    string
	stageMetadata   string
	stageContentRef string

	transferNextHolder string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage coffee batches",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create <offchain-id>",
	Short: "Create a batch on the ledger and mirror it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if createHolder == "" {
			return fmt.Errorf("--holder is required")
		}
		req := custody.CreateBatchRequest{
			OffchainID:             args[0],
			BrandID:                createBrandID,
			ProducerName:           createProducer,
			InitialHolderPublicKey: createHolder,
			ParticipantPublicKeys:  createParticipants,
		}

		var result custody.BatchResult
		if err := newClient().postJSON("/api/v1/batches", req, &result); err != nil {
			return err
		}
		return printResult(&result)
	},
}

var batchGetCmd = &cobra.Command{
	Use:   "get <offchain-id>",
	Short: "Show a batch with its stage history and participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var detail struct {
			Batch        *custody.BatchRecord        `json:"batch"`
			StageLogs    []custody.StageLogRecord    `json:"stageLogs"`
			Participants []custody.ParticipantRecord `json:"participants"`
		}
		if err := newClient().getJSON("/api/v1/batches/"+args[0], &detail); err != nil {
			return err
		}

		if outputFmt != "table" {
			return printOutput(detail)
		}

		b := detail.Batch
		printTable(
			[]string{"offchain id", "onchain id", "status", "holder", "stages"},
			[][]string{{b.OffchainID, b.OnchainID, string(b.Status), b.CurrentHolderKey, fmt.Sprintf("%d", b.NextStageIndex)}},
		)
		if len(detail.StageLogs) > 0 {
			fmt.Println()
			rows := make([][]string, len(detail.StageLogs))
			for i, s := range detail.StageLogs {
				rows[i] = []string{fmt.Sprintf("%d", s.StageIndex), s.StageName, s.PartnerType, s.AddedByKey, s.TxSignature}
			}
			printTable([]string{"index", "stage", "partner type", "added by", "tx signature"}, rows)
		}
		return nil
	},
}

var batchAddStageCmd = &cobra.Command{
	Use:   "add-stage <offchain-id>",
	Short: "Append a stage attestation to a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if stageName == "" {
			return fmt.Errorf("--stage is required")
		}
		req := custody.AddStageRequest{
			StageName:   stageName,
			PartnerType: stagePartner,
			ContentRef:  stageContentRef,
		}
		if stageMetadata != "" {
			if err := json.Unmarshal([]byte(stageMetadata), &req.Metadata); err != nil {
				return fmt.Errorf("--metadata must be a JSON object: %w", err)
			}
		}

		var result custody.BatchResult
		if err := newClient().postJSON("/api/v1/batches/"+args[0]+"/stages", req, &result); err != nil {
			return err
		}
		return printResult(&result)
	},
}

var batchTransferCmd = &cobra.Command{
	Use:   "transfer <offchain-id>",
	Short: "Transfer custody of a batch to another participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if transferNextHolder == "" {
			return fmt.Errorf("--to is required")
		}
		req := custody.TransferCustodyRequest{NextHolderPublicKey: transferNextHolder}

		var result custody.BatchResult
		if err := newClient().postJSON("/api/v1/batches/"+args[0]+"/transfer", req, &result); err != nil {
			return err
		}
		return printResult(&result)
	},
}

var batchFinalizeCmd = &cobra.Command{
	Use:   "finalize <offchain-id>",
	Short: "Finalize a batch, closing it to further changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result custody.BatchResult
		if err := newClient().postJSON("/api/v1/batches/"+args[0]+"/finalize", nil, &result); err != nil {
			return err
		}
		return printResult(&result)
	},
}

var batchAuditCmd = &cobra.Command{
	Use:   "audit <offchain-id>",
	Short: "Show a batch's audit trail, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Events []custody.AuditEventRecord `json:"events"`
		}
		if err := newClient().getJSON("/api/v1/batches/"+args[0]+"/audit", &out); err != nil {
			return err
		}

		if outputFmt != "table" {
			return printOutput(out)
		}
		rows := make([][]string, len(out.Events))
		for i, e := range out.Events {
			rows[i] = []string{e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType, e.Actor, e.Outcome, e.TxSignature}
		}
		printTable([]string{"time", "event", "actor", "outcome", "tx signature"}, rows)
		return nil
	},
}

// printResult renders a write operation's outcome.
func printResult(result *custody.BatchResult) error {
	if outputFmt != "table" {
		return printOutput(result)
	}
	b := result.Batch
	printTable(
		[]string{"offchain id", "status", "holder", "tx signature"},
		[][]string{{b.OffchainID, string(b.Status), b.CurrentHolderKey, result.TxSignature}},
	)
	return nil
}

func init() {
	batchCreateCmd.Flags().StringVar(&createBrandID, "brand", "", "Brand identifier")
	batchCreateCmd.Flags().StringVar(&createProducer, "producer", "", "Producer name")
	batchCreateCmd.Flags().StringVar(&createHolder, "holder", "", "Initial holder public key (required)")
	batchCreateCmd.Flags().StringSliceVar(&createParticipants, "participant", nil, "Participant public key (repeatable)")

	batchAddStageCmd.Flags().StringVar(&stageName, "stage", "", "Stage name, e.g. roasting (required)")
	batchAddStageCmd.Flags().StringVar(&stagePartner, "partner-type", "", "Partner type, e.g. roaster")
	batchAddStageCmd.Flags().StringVar(&stageMetadata, "metadata", "", "Stage metadata as a JSON object")
	batchAddStageCmd.Flags().StringVar(&stageContentRef, "content-ref", "", "Off-chain content reference (e.g. IPFS CID)")

	batchTransferCmd.Flags().StringVar(&transferNextHolder, "to", "", "Next holder public key (required)")

	batchCmd.AddCommand(batchCreateCmd)
	batchCmd.AddCommand(batchGetCmd)
	batchCmd.AddCommand(batchAddStageCmd)
	batchCmd.AddCommand(batchTransferCmd)
	batchCmd.AddCommand(batchFinalizeCmd)
	batchCmd.AddCommand(batchAuditCmd)
}
