package marking

import (
	"fmt"

	"github.com/ternarybob/sheetmark/internal/models"
)

// Score compares the student's sampled bubbles against the marking
// scheme's. choiceDistribution lists, in question order, how many
// options each question has; columnRowDistribution gives the number of
// questions per form column and bins the column totals.
//
// Per question: exactly one mark matching the scheme's single mark is
// correct; more than one mark is multi-marked; no mark is unmarked;
// one wrong mark is incorrect. Question numbers are 1-based.
func Score(markingAnswers, studentAnswers []MarkedBubble, choiceDistribution, columnRowDistribution []int) (*models.AnswerSheetResult, error) {
	totalBubbles := 0
	for _, k := range choiceDistribution {
		totalBubbles += k
	}
	if len(markingAnswers) < totalBubbles || len(studentAnswers) < totalBubbles {
		return nil, fmt.Errorf("bubble list shorter than choice distribution: scheme %d, student %d, need %d",
			len(markingAnswers), len(studentAnswers), totalBubbles)
	}

	result := &models.AnswerSheetResult{
		ColumnTotals: make([]int, len(columnRowDistribution)),
	}

	offset := 0
	for q, k := range choiceDistribution {
		scheme := markingAnswers[offset : offset+k]
		student := studentAnswers[offset : offset+k]
		offset += k
		questionNumber := q + 1

		studentMarks := 0
		studentChoice := -1
		for i, b := range student {
			if b.Marked == 1 {
				studentMarks++
				studentChoice = i
			}
		}
		schemeChoice := -1
		for i, b := range scheme {
			if b.Marked == 1 {
				schemeChoice = i
				break
			}
		}

		var label string
		switch {
		case studentMarks == 1 && studentChoice == schemeChoice:
			result.Correct = append(result.Correct, questionNumber)
			label = "correct"
		case studentMarks > 1:
			result.MultiMarked = append(result.MultiMarked, questionNumber)
			label = "multi_marked"
			if !result.Flag {
				result.Flag = true
				result.FlagReason = models.FlagReasonMultiMarked
			}
		case studentMarks == 0:
			result.Unmarked = append(result.Unmarked, questionNumber)
			label = "unmarked"
			if !result.Flag {
				result.Flag = true
				result.FlagReason = models.FlagReasonUnmarked
			}
		default:
			result.Incorrect = append(result.Incorrect, questionNumber)
			label = "incorrect"
		}

		if col := columnForQuestion(q, columnRowDistribution); col >= 0 && label == "correct" {
			result.ColumnTotals[col]++
		}

		// Label the student's chosen bubble, or the scheme's correct
		// bubble when nothing was marked.
		labeled := studentChoice
		if labeled < 0 {
			labeled = schemeChoice
		}
		if labeled >= 0 {
			result.LabeledPoints = append(result.LabeledPoints, models.LabeledPoint{
				QuestionNumber: questionNumber,
				Label:          label,
				X:              student[labeled].X,
				Y:              student[labeled].Y,
			})
		}
	}

	result.Score = len(result.Correct)
	return result, nil
}

// columnForQuestion bins a 0-based question index into its form column
// using the per-column question counts.
func columnForQuestion(q int, columnRowDistribution []int) int {
	acc := 0
	for col, rows := range columnRowDistribution {
		acc += rows
		if q < acc {
			return col
		}
	}
	return -1
}
