// Package loyalty — progress.go считает прогресс до награды и формирует
// сообщения вида "2 stamps away from a free coffee".
package loyalty

import (
	"fmt"
	"strings"

	"qwikker.com/loyalty/internal/common"
)

// Progress — прогресс участника до следующей награды.
type Progress struct {
	Balance          int64  `json:"balance"`
	Threshold        int64  `json:"threshold"`
	Remaining        int64  `json:"remaining"`         // Сколько осталось до награды (0 — готова)
	RewardsAvailable int64  `json:"rewards_available"` // Сколько наград можно получить прямо сейчас
	Percent          int    `json:"percent"`           // 0–100
	Unit             string `json:"unit"`
	Message          string `json:"message"`
}

// RewardReady — награду можно получить.
func (p Progress) RewardReady() bool {
	return p.RewardsAvailable > 0
}

// ComputeProgress считает прогресс участия m в программе p.
//
// Примеры сообщений:
//
//	"Reward ready! Show this to redeem: Free coffee"
//	"1 stamp away from Free coffee"
//	"40 points away from £5 off"
func ComputeProgress(p *Program, m *Membership) Progress {
	balance := m.Balance(p.Type)
	unit := p.Type.Unit()
	pr := Progress{
		Balance:   balance,
		Threshold: p.RewardThreshold,
		Unit:      unit,
	}
	if p.RewardThreshold <= 0 {
		return pr
	}

	pr.RewardsAvailable = balance / p.RewardThreshold
	if pr.RewardsAvailable > 0 {
		pr.Percent = 100
	} else {
		pr.Remaining = p.RewardThreshold - balance
		pr.Percent = int(balance * 100 / p.RewardThreshold)
	}

	reward := strings.TrimSpace(p.RewardDescription)
	switch {
	case p.Status == StatusEnded:
		pr.Message = "This program has ended"
	case pr.RewardsAvailable > 1:
		pr.Message = fmt.Sprintf("%d rewards ready! Show this to redeem: %s", pr.RewardsAvailable, reward)
	case pr.RewardsAvailable == 1:
		pr.Message = fmt.Sprintf("Reward ready! Show this to redeem: %s", reward)
	default:
		pr.Message = fmt.Sprintf("%s away from %s", common.FormatUnits(pr.Remaining, unit), reward)
	}
	return pr
}

// Milestone — событие после начисления, о котором стоит сообщить клиенту.
type Milestone string

const (
	MilestoneNone        Milestone = ""
	MilestoneOneAway     Milestone = "one_away"
	MilestoneRewardReady Milestone = "reward_ready"
)

// DetectMilestone определяет, пересекло ли начисление значимый порог.
// before — баланс до начисления, after — после.
func DetectMilestone(p *Program, before, after int64) Milestone {
	if p.RewardThreshold <= 0 || after <= before {
		return MilestoneNone
	}
	// Достигли порога награды (или очередного кратного порога)
	if after/p.RewardThreshold > before/p.RewardThreshold {
		return MilestoneRewardReady
	}
	// Осталась ровно одна единица (имеет смысл только для штампов и порогов > 1)
	if p.Type == ProgramTypeStamps && p.RewardThreshold > 1 && after%p.RewardThreshold == p.RewardThreshold-1 {
		return MilestoneOneAway
	}
	return MilestoneNone
}
