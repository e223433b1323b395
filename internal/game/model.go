package game

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var teamNameRE = regexp.MustCompile(`^[a-zA-Z0-9 _-]{2,48}$`)

var (
	ErrLocked                  = errors.New("submissions are locked")
	ErrWrongRound              = errors.New("round is not open for submissions")
	ErrTeamNotFound            = errors.New("team not found")
	ErrAlreadySubmitted        = errors.New("already submitted for this round")
	ErrRoundFinalized          = errors.New("round already finalized")
	ErrPricesRequired          = errors.New("final prices must be submitted before a production plan")
	ErrEmptySubmission         = errors.New("submission has no entries")
	ErrUnknownCake             = errors.New("unknown cake")
	ErrUnknownChannel          = errors.New("unknown channel")
	ErrUnknownResource         = errors.New("unknown resource")
	ErrMinimumBatch            = errors.New("minimum batch rule violated")
	ErrCapacityExceeded        = errors.New("capacity exceeded")
	ErrInsufficientIngredients = errors.New("not enough ingredients")
	ErrInsufficientFunds       = errors.New("insufficient funds")
)

// DefaultStarterCash is each new team's opening balance.
var DefaultStarterCash = decimal.NewFromInt(25_000)

func ValidateTeamName(name string) error {
	if !teamNameRE.MatchString(strings.TrimSpace(name)) {
		return errors.New("team name must be 2-48 letters, digits, spaces, _ or -")
	}
	return nil
}
