package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/forsitet/fwbot/internal/domain"
)

// CommentEvent is a comment posted on a pull request.
type CommentEvent struct {
	Repository string
	Number     int
	Author     string
	Body       string
}

// CommandService handles the commands addressed to the bot in comments.
type CommandService struct {
	tx      TxFunc
	hosting HostingFactory
	tokens  Tokens
	logger  *slog.Logger
}

func NewCommandService(tx TxFunc, hosting HostingFactory, tokens Tokens, logger *slog.Logger) *CommandService {
	return &CommandService{tx: tx, hosting: hosting, tokens: tokens, logger: logger}
}

// ParseCommands returns the whitespace separated words of every line of body
// addressed to bot.
func ParseCommands(bot, body string) []string {
	if bot == "" {
		return nil
	}
	re := regexp.MustCompile(`(?im)^\s*[@#]?` + regexp.QuoteMeta(bot) + `:? (.*)$`)

	var tokens []string
	for _, m := range re.FindAllStringSubmatch(body, -1) {
		tokens = append(tokens, strings.Fields(m[1])...)
	}
	return tokens
}

// Handle applies the commands of ev and returns the replies, which are also
// posted on the pull request.
func (s *CommandService) Handle(ctx context.Context, ev CommentEvent) ([]string, error) {
	var replies []string
	var repo domain.Repository
	var pr domain.PullRequest
	var project domain.Project

	err := s.tx(ctx, func(st Store) error {
		var err error
		if repo, err = repositoryByName(ctx, st, ev.Repository); err != nil {
			return err
		}
		if pr, err = prByNumber(ctx, st, repo, ev.Number); err != nil {
			return err
		}
		if project, err = st.GetProject(ctx, repo.ProjectID); err != nil {
			return err
		}

		tokens := ParseCommands(project.BotLogin, ev.Body)
		if len(tokens) == 0 {
			s.logger.Info("found no commands in comment", "pr", displayName(repo, pr), "author", ev.Author)
			return nil
		}

		changed := false
		for i := 0; i < len(tokens); i++ {
			token := strings.ToLower(tokens[i])
			var msg string

			switch {
			case token == "ignore":
				target, err := st.GetBranch(ctx, pr.TargetID)
				if err != nil {
					return err
				}
				msg, changed, err = s.setLimit(ctx, st, &pr, ev.Author, target.Name, changed)
				if err != nil {
					return err
				}
			case token == "up" && i+1 < len(tokens) && strings.EqualFold(tokens[i+1], "to"):
				limit := ""
				if i+2 < len(tokens) {
					limit = tokens[i+2]
				}
				i += 2
				msg, changed, err = s.setLimit(ctx, st, &pr, ev.Author, limit, changed)
				if err != nil {
					return err
				}
			}

			if msg != "" {
				s.logger.Info("command", "pr", displayName(repo, pr), "author", ev.Author, "reply", msg)
				replies = append(replies, msg)
			}
		}

		if changed {
			return st.UpdatePR(ctx, pr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(replies) > 0 {
		if token := s.tokens(project.Name); token != "" {
			hosting, err := s.hosting(ctx, token)
			if err != nil {
				return replies, err
			}
			for _, msg := range replies {
				notify(ctx, hosting, s.logger, repo, pr, msg)
			}
		} else {
			s.logger.Warn("can not reply: no token on project", "project", project.Name)
		}
	}
	return replies, nil
}

// setLimit handles "up to <limit>", updating pr in place.
func (s *CommandService) setLimit(
	ctx context.Context,
	st Store,
	pr *domain.PullRequest,
	author, limit string,
	changed bool,
) (string, bool, error) {
	if !strings.EqualFold(author, pr.Author) {
		return fmt.Sprintf("I'm sorry, @%s. You can't set a forward-port limit.", author), changed, nil
	}
	if limit == "" {
		return "Please provide a branch to forward-port to.", changed, nil
	}

	if pr.SourceID != 0 {
		src, err := st.GetPR(ctx, pr.SourceID)
		if err != nil {
			return "", changed, err
		}
		name, err := displayNameOf(ctx, st, src)
		if err != nil {
			return "", changed, err
		}
		return fmt.Sprintf(
			"Sorry, forward-port limit can only be set on an origin PR (%s here) before it's merged and forward-ported.",
			name,
		), changed, nil
	}
	if pr.IsClosedOrMerged() {
		return "Sorry, forward-port limit can only be set before the PR is merged.", changed, nil
	}

	target, err := st.GetBranch(ctx, pr.TargetID)
	if err != nil {
		return "", changed, err
	}
	branch, err := st.BranchByName(ctx, target.ProjectID, limit)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Sprintf("There is no branch %q, it can't be used as a forward port target.", limit), changed, nil
	}
	if err != nil {
		return "", changed, err
	}

	switch {
	case branch.ID == pr.TargetID:
		pr.LimitID = branch.ID
		return "Forward-port disabled.", true, nil
	case !branch.Eligible():
		return fmt.Sprintf("Branch %q is disabled, it can't be used as a forward port target.", branch.Name), changed, nil
	default:
		pr.LimitID = branch.ID
		return fmt.Sprintf("Forward-porting to %q.", branch.Name), true, nil
	}
}
