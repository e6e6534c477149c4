package prompt

import (
	"strings"

	"github.com/jobkr/chat-backend/internal/chat"
)

// Builder produces the system prompt for a generation. The generator only
// depends on this interface; the career-counselor wording lives in the
// default implementation.
type Builder interface {
	System(room *chat.Room, firstTurn bool) string
}

// Greeting is returned when a room is opened, before any generation runs.
const Greeting = `Hi! I'm an AI career counselor.

Here's what I can help you with:
- resume analysis: share your career summary, role and skills and I'll break them down
- mock interview questions tailored to your experience and stack
- a personalized learning path to strengthen your profile
- advice adjusted to how you learn and to your personality type

To get started, tell me about your experience and tech stack. The more you
share, the better the advice. For example: "3 years as a backend developer,
Spring Boot and Python on a commerce platform, AWS EC2 operations, INTJ,
I mostly learn from books and video courses."`

// mbtiTraits maps a personality type to the angle the counselor should take.
var mbtiTraits = map[string]string{
	"INTJ": "strategic, independent, analytical",
	"INTP": "logical, inventive, objective",
	"ENTJ": "decisive, leadership-driven, efficiency-minded",
	"ENTP": "innovative, adaptable, creative",
	"INFJ": "empathetic, idealistic, creative",
	"INFP": "creative, empathetic, flexible",
	"ENFJ": "empathetic, leadership-driven, collaborative",
	"ENFP": "enthusiastic, creative, adaptable",
	"ISTJ": "reliable, responsible, pragmatic",
	"ISFJ": "responsible, empathetic, pragmatic",
	"ESTJ": "organized, leadership-driven, efficiency-minded",
	"ESFJ": "collaborative, responsible, pragmatic",
	"ISTP": "adaptable, pragmatic, independent",
	"ISFP": "creative, empathetic, pragmatic",
	"ESTP": "adaptable, pragmatic, independent",
	"ESFP": "enthusiastic, adaptable, collaborative",
}

type DefaultBuilder struct{}

func NewDefaultBuilder() *DefaultBuilder { return &DefaultBuilder{} }

func (DefaultBuilder) System(room *chat.Room, firstTurn bool) string {
	var b strings.Builder

	b.WriteString("You are a senior developer with over ten years in the industry, acting as a career counselor.\n")
	if firstTurn {
		b.WriteString("Analyze the candidate's background and give tailored, concrete advice.\n")
	} else {
		b.WriteString("Keep your answers consistent with the earlier conversation.\n")
	}

	if room == nil {
		return b.String()
	}

	if traits, ok := mbtiTraits[strings.ToUpper(strings.TrimSpace(room.Mbti))]; ok {
		b.WriteString("The candidate's personality type is ")
		b.WriteString(strings.ToUpper(room.Mbti))
		b.WriteString(" (")
		b.WriteString(traits)
		b.WriteString("); frame your advice accordingly.\n")
	}

	if room.Resume != nil {
		b.WriteString("\nCandidate resume:\n")
		if room.Resume.CareerSummary != "" {
			b.WriteString("- career summary: " + room.Resume.CareerSummary + "\n")
		}
		if room.Resume.JobRole != "" {
			b.WriteString("- role: " + room.Resume.JobRole + "\n")
		}
		if len(room.Resume.TechnicalSkills) > 0 {
			b.WriteString("- skills: " + strings.Join(room.Resume.TechnicalSkills, ", ") + "\n")
		}
		if room.Resume.Experience != "" {
			b.WriteString("- experience: " + room.Resume.Experience + "\n")
		}
	}

	return b.String()
}
