// Package sui wraps the Sui client for the gateway's on-chain operations:
// live settlement recording and delegation consumption mirroring against the
// deployed spend-ledger Move package.
package sui

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/fardream/go-bcs/bcs"
	"github.com/pattonkan/sui-go/sui"
	"github.com/pattonkan/sui-go/sui/suiptb"
	"github.com/pattonkan/sui-go/suiclient"
	"github.com/pattonkan/sui-go/suisigner"
	"github.com/pattonkan/sui-go/suisigner/suicrypto"
	"github.com/rs/zerolog"
)

// TransactionBuilder handles Sui blockchain interactions for the gateway:
// recording payment settlements on the spend-ledger package and mirroring
// delegation allowance consumption on-chain.
type TransactionBuilder struct {
	client    *suiclient.ClientImpl
	packageID *sui.PackageId
	signer    *suisigner.Signer
	logger    zerolog.Logger
}

// NewTransactionBuilder creates a new TransactionBuilder instance
func NewTransactionBuilder(ctx context.Context, logger zerolog.Logger, rpcURL string, packageID string, mnemonic string) (*TransactionBuilder, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpcURL cannot be empty")
	}
	if packageID == "" {
		return nil, fmt.Errorf("packageID cannot be empty")
	}
	if mnemonic == "" {
		return nil, fmt.Errorf("mnemonic cannot be empty")
	}

	client := suiclient.NewClient(rpcURL)

	// Derive keypair from mnemonic (using Ed25519)
	signer, err := suisigner.NewSignerWithMnemonic(mnemonic, suicrypto.KeySchemeFlagEd25519)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer from mnemonic: %w", err)
	}

	pkgID, err := sui.PackageIdFromHex(packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse package ID: %w", err)
	}

	return &TransactionBuilder{
		client:    client,
		packageID: pkgID,
		signer:    signer,
		logger:    logger.With().Str("component", "sui_txbuilder").Logger(),
	}, nil
}

func (tb *TransactionBuilder) Signer() *suisigner.Signer {
	return tb.signer
}

func (tb *TransactionBuilder) PackageId() *sui.PackageId {
	return tb.packageID
}

// RecordSettlement builds, signs, and executes a record_settlement Move call
// against the shared settlement ledger object. The payment reference and a
// commitment over the envelope bind the on-chain record to the settlement
// row. Returns the transaction digest.
func (tb *TransactionBuilder) RecordSettlement(
	ctx context.Context,
	ledgerID string,
	paymentRef string,
	commitment []byte,
	payerAddr string,
	recipientAddr string,
	amount uint64,
	timestamp uint64,
) (string, error) {
	tb.logger.Debug().
		Str("ledger_id", ledgerID).
		Str("payment_ref", paymentRef).
		Str("payer_addr", payerAddr).
		Str("recipient_addr", recipientAddr).
		Uint64("amount", amount).
		Str("commitment_hex", hex.EncodeToString(commitment)).
		Msg("Building record_settlement transaction")

	payerAddress, err := sui.AddressFromHex(payerAddr)
	if err != nil {
		return "", fmt.Errorf("invalid payer address: %w", err)
	}

	recipientAddress, err := sui.AddressFromHex(recipientAddr)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address: %w", err)
	}

	ledgerRef, err := tb.sharedObjectRef(ctx, ledgerID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve ledger object: %w", err)
	}

	ptb := suiptb.NewTransactionDataTransactionBuilder()

	ptb.Command(suiptb.Command{
		MoveCall: &suiptb.ProgrammableMoveCall{
			Package:       tb.packageID,
			Module:        "spend_ledger",
			Function:      "record_settlement",
			TypeArguments: []sui.TypeTag{},
			Arguments: []suiptb.Argument{
				ptb.MustObj(suiptb.ObjectArg{SharedObject: &suiptb.SharedObjectArg{
					Id:                   ledgerRef.ObjectId,
					InitialSharedVersion: ledgerRef.Version,
					Mutable:              true,
				}}),
				ptb.MustPure([]byte(paymentRef)),
				ptb.MustPure(commitment),
				ptb.MustPure(payerAddress),
				ptb.MustPure(recipientAddress),
				ptb.MustPure(amount),
				ptb.MustPure(timestamp),
			},
		},
	})

	pt := ptb.Finish()
	return tb.execute(ctx, pt)
}

// ConsumeAllowance mirrors one delegation consumption on the shared
// delegation manager object. The delegation ID and nonce make the mirrored
// record joinable with the off-chain row. Returns the transaction digest.
func (tb *TransactionBuilder) ConsumeAllowance(
	ctx context.Context,
	delegationManagerID string,
	delegationID string,
	recipientAddr string,
	amount uint64,
	nonce uint64,
) (string, error) {
	tb.logger.Debug().
		Str("delegation_manager_id", delegationManagerID).
		Str("delegation_id", delegationID).
		Str("recipient_addr", recipientAddr).
		Uint64("amount", amount).
		Uint64("nonce", nonce).
		Msg("Building consume_allowance transaction")

	recipientAddress, err := sui.AddressFromHex(recipientAddr)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address: %w", err)
	}

	managerRef, err := tb.sharedObjectRef(ctx, delegationManagerID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve delegation manager object: %w", err)
	}

	ptb := suiptb.NewTransactionDataTransactionBuilder()

	ptb.Command(suiptb.Command{
		MoveCall: &suiptb.ProgrammableMoveCall{
			Package:       tb.packageID,
			Module:        "spend_ledger",
			Function:      "consume_allowance",
			TypeArguments: []sui.TypeTag{},
			Arguments: []suiptb.Argument{
				ptb.MustObj(suiptb.ObjectArg{SharedObject: &suiptb.SharedObjectArg{
					Id:                   managerRef.ObjectId,
					InitialSharedVersion: managerRef.Version,
					Mutable:              true,
				}}),
				ptb.MustPure([]byte(delegationID)),
				ptb.MustPure(recipientAddress),
				ptb.MustPure(amount),
				ptb.MustPure(nonce),
			},
		},
	})

	pt := ptb.Finish()
	return tb.execute(ctx, pt)
}

// sharedObjectRef resolves a shared object's reference for use as a mutable
// Move call argument.
func (tb *TransactionBuilder) sharedObjectRef(ctx context.Context, objectID string) (*sui.ObjectRef, error) {
	objID, err := sui.ObjectIdFromHex(objectID)
	if err != nil {
		return nil, fmt.Errorf("invalid object ID: %w", err)
	}

	resp, err := tb.client.GetObject(ctx, &suiclient.GetObjectRequest{
		ObjectId: objID,
		Options: &suiclient.SuiObjectDataOptions{
			ShowContent: true,
			ShowBcs:     true,
			ShowOwner:   true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	return resp.Data.RefSharedObject(), nil
}

// execute signs and executes a programmable transaction, paying gas from the
// signer's highest-balance SUI coin. Returns the transaction digest.
func (tb *TransactionBuilder) execute(ctx context.Context, pt suiptb.ProgrammableTransaction) (string, error) {
	coinPage, err := tb.client.GetCoins(ctx, &suiclient.GetCoinsRequest{Owner: tb.signer.Address})
	if err != nil {
		return "", fmt.Errorf("failed to get coins: %w", err)
	}
	if len(coinPage.Data) == 0 {
		return "", fmt.Errorf("no SUI coins found for gas payment")
	}

	tx := suiptb.NewTransactionData(
		tb.signer.Address,
		pt,
		[]*sui.ObjectRef{coinPage.Data[0].Ref()},
		suiclient.DefaultGasBudget,
		suiclient.DefaultGasPrice,
	)

	txBytes, err := bcs.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}

	txnResponse, err := tb.client.SignAndExecuteTransaction(
		ctx,
		tb.signer,
		txBytes,
		&suiclient.SuiTransactionBlockResponseOptions{
			ShowEffects:       true,
			ShowObjectChanges: true,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to sign and execute transaction: %w", err)
	}

	if !txnResponse.Effects.Data.IsSuccess() {
		return txnResponse.Digest.String(), fmt.Errorf("transaction failed")
	}

	tb.logger.Info().
		Str("digest", txnResponse.Digest.String()).
		Msg("Transaction executed")

	return txnResponse.Digest.String(), nil
}
