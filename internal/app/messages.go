package app

import (
	"fmt"
	"strings"

	"github.com/ghostbot/payout-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

func formatBRL(minorUnits int64) string {
	return "R$ " + strings.Replace(decimal.New(minorUnits, -2).StringFixed(2), ".", ",", 1)
}

func networkLabel(network string) string {
	switch domain.NormalizeNetwork(network) {
	case "lightning":
		return "Lightning"
	case "onchain":
		return "on-chain"
	case "liquid":
		return "Liquid"
	case "":
		return "a rede escolhida"
	}
	return network
}

func dispatchedMessage(d *domain.Deposit) string {
	return fmt.Sprintf(
		"✅ Pagamento PIX de %s confirmado! Seu envio via %s foi disparado.\nReferência: %s",
		formatBRL(d.AmountMinorUnits), networkLabel(d.Network), d.DepositID,
	)
}

func invoiceRequestMessage(d *domain.Deposit) string {
	return fmt.Sprintf(
		"✅ Pagamento PIX de %s confirmado!\nEnvie agora sua invoice Lightning ou Lightning Address para receber.\nReferência: %s",
		formatBRL(d.AmountMinorUnits), d.DepositID,
	)
}

func escalationMessage(depositID, supportContact string) string {
	return fmt.Sprintf(
		"⚠️ Recebemos seu pagamento, mas não foi possível concluir o envio automaticamente.\nFale com o suporte %s informando a referência %s.",
		supportContact, depositID,
	)
}
