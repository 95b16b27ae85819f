package ledger

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Instruction tags understood by the on-chain custody program. The program's
// wire format is one tag byte followed by the Borsh-encoded arguments.
const (
	tagCreateBatch uint8 = iota
	tagAddStage
	tagTransferCustody
	tagFinalizeBatch
)

type createBatchArgs struct {
	Tag           uint8
	OffchainID    string
	ProducerName  string
	BrandID       string
	InitialHolder solana.PublicKey
}

type addStageArgs struct {
	Tag         uint8
	StageName   string
	ContentRef  string
	PartnerType string
}

type transferCustodyArgs struct {
	Tag        uint8
	NextHolder solana.PublicKey
}

type finalizeBatchArgs struct {
	Tag uint8
}

func encodeArgs(args any) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
		return nil, fmt.Errorf("encode instruction args: %w", err)
	}
	return buf.Bytes(), nil
}

// createBatchInstruction initializes a freshly created batch account. The
// batch account is written and the brand owner signs.
func createBatchInstruction(programID, batchAccount, brandOwner solana.PublicKey, offchainID, producerName, brandID string, initialHolder solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeArgs(createBatchArgs{
		Tag:           tagCreateBatch,
		OffchainID:    offchainID,
		ProducerName:  producerName,
		BrandID:       brandID,
		InitialHolder: initialHolder,
	})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(batchAccount).WRITE(),
		solana.Meta(brandOwner).SIGNER(),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

// addStageInstruction appends a stage to the batch. The program rejects any
// signer other than the current holder.
func addStageInstruction(programID, batchAccount, holder solana.PublicKey, stageName, contentRef, partnerType string) (solana.Instruction, error) {
	data, err := encodeArgs(addStageArgs{
		Tag:         tagAddStage,
		StageName:   stageName,
		ContentRef:  contentRef,
		PartnerType: partnerType,
	})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(batchAccount).WRITE(),
		solana.Meta(holder).SIGNER(),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

// transferCustodyInstruction reassigns the holder. Only the outgoing holder
// signs; the incoming holder's consent is represented off-chain by
// participant membership.
func transferCustodyInstruction(programID, batchAccount, holder, nextHolder solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeArgs(transferCustodyArgs{
		Tag:        tagTransferCustody,
		NextHolder: nextHolder,
	})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(batchAccount).WRITE(),
		solana.Meta(holder).SIGNER(),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}

// finalizeBatchInstruction closes the batch. The brand owner signs,
// regardless of who currently holds custody.
func finalizeBatchInstruction(programID, batchAccount, brandOwner solana.PublicKey) (solana.Instruction, error) {
	data, err := encodeArgs(finalizeBatchArgs{Tag: tagFinalizeBatch})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(batchAccount).WRITE(),
		solana.Meta(brandOwner).SIGNER(),
	}
	return solana.NewInstruction(programID, accounts, data), nil
}
