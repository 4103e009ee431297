package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gorm.io/gorm"
)

// SettlementExportOptions narrows the export to one merchant's settled deposits.
type SettlementExportOptions struct {
	MerchantID uint64
	OutputDir  string
}

// SettlementExporter exports settled deposits to CSV for offline reconciliation.
type SettlementExporter struct {
	db *gorm.DB
}

func NewSettlementExporter(db *gorm.DB) *SettlementExporter {
	return &SettlementExporter{db: db}
}

type settlementRow struct {
	DepositID     uint64
	CustomerID    uint64
	ChainID       uint32
	Token         string
	Amount        int64
	TxHash        string
	SettledAmount *int64
	SettledTx     *string
	SettledAt     *string
}

// ExportToCSV writes every deposit belonging to the merchant's customers that
// has reached settlement (settled_tx populated) to writer in CSV form.
func (e *SettlementExporter) ExportToCSV(writer io.Writer, options SettlementExportOptions) error {
	var rows []settlementRow
	err := e.db.Model(&Deposit{}).
		Select("deposits.id as deposit_id, deposits.customer_id, deposits.chain_id, deposits.token, deposits.amount, deposits.tx as tx_hash, deposits.settled_amount, deposits.settled_tx, deposits.settled_at").
		Joins("JOIN customers ON customers.id = deposits.customer_id").
		Where("customers.merchant_id = ? AND deposits.settled_tx IS NOT NULL", options.MerchantID).
		Order("deposits.created_at ASC").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to query settled deposits: %w", err)
	}

	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	header := []string{"DepositID", "CustomerID", "ChainID", "Token", "AmountCents", "TxHash", "SettledAmountCents", "SettledTxHash", "SettledAt"}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}

	for _, r := range rows {
		settledAmount := ""
		if r.SettledAmount != nil {
			settledAmount = strconv.FormatInt(*r.SettledAmount, 10)
		}
		settledTx := ""
		if r.SettledTx != nil {
			settledTx = *r.SettledTx
		}
		settledAt := ""
		if r.SettledAt != nil {
			settledAt = *r.SettledAt
		}

		row := []string{
			strconv.FormatUint(r.DepositID, 10),
			strconv.FormatUint(r.CustomerID, 10),
			strconv.FormatUint(uint64(r.ChainID), 10),
			r.Token,
			strconv.FormatInt(r.Amount, 10),
			r.TxHash,
			settledAmount,
			settledTx,
			settledAt,
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write row to CSV: %w", err)
		}
	}
	return nil
}

// ExportToFile exports settled deposits to a CSV file under options.OutputDir.
func (e *SettlementExporter) ExportToFile(options SettlementExportOptions) (string, error) {
	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", options.OutputDir, err)
	}

	fileName := filepath.Join(options.OutputDir, fmt.Sprintf("settlements_%d.csv", options.MerchantID))
	file, err := os.Create(fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file %s: %w", fileName, err)
	}
	defer file.Close()

	if err := e.ExportToCSV(file, options); err != nil {
		return "", fmt.Errorf("failed to export to CSV: %w", err)
	}

	return fileName, nil
}

func runExportSettlementsCli(logger Logger) {
	logger = logger.NewSystem("export-settlements")
	if len(os.Args) != 3 {
		logger.Fatal("usage: zeropay export-settlements <merchant_id>")
	}

	merchantID, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil {
		logger.Fatal("invalid merchant id", "value", os.Args[2])
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("failed to setup database", "error", err)
	}

	exporter := NewSettlementExporter(db)
	options := SettlementExportOptions{
		MerchantID: merchantID,
		OutputDir:  "csv_export",
	}

	fileName, err := exporter.ExportToFile(options)
	if err != nil {
		logger.Fatal("failed to export settlements", "error", err)
	}
	logger.Info("successfully exported settlements", "file", fileName)
}
