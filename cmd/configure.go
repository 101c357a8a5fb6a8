package cmd

import (
	"fmt"
	"os"
	"strconv"

	"emperror.dev/errors"
	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/monkeyarch/monkeyarch/config"
)

var configureArgs struct {
	RootDirectory string
	Port          string
	EnableDelete  bool
	Override      bool
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Interactively write a configuration file",
	Run:   configureCmdRun,
}

func init() {
	configureCmd.PersistentFlags().StringVarP(&configureArgs.RootDirectory, "root", "r", "", "the directory to expose through the file manager")
	configureCmd.PersistentFlags().BoolVar(&configureArgs.Override, "override", false, "override an existing configuration")
}

func configureCmdRun(cmd *cobra.Command, args []string) {
	if _, err := os.Stat(configPath); err == nil && !configureArgs.Override {
		if err := survey.AskOne(&survey.Confirm{Message: "Override existing configuration file"}, &configureArgs.Override); err != nil {
			return
		}
		if !configureArgs.Override {
			fmt.Println("Aborted.")
			os.Exit(1)
		}
	}

	// Start from whatever is currently configured so that answering with the
	// defaults keeps the existing values.
	current := config.Get()
	configureArgs.Port = strconv.Itoa(current.Port)
	configureArgs.EnableDelete = current.EnableDelete

	var questions []*survey.Question
	if configureArgs.RootDirectory == "" {
		questions = append(questions, &survey.Question{
			Name:     "RootDirectory",
			Prompt:   &survey.Input{Message: "Root directory: ", Default: current.RootDirectory},
			Validate: survey.Required,
		})
	}
	questions = append(questions,
		&survey.Question{
			Name:   "Port",
			Prompt: &survey.Input{Message: "Port: ", Default: configureArgs.Port},
			Validate: func(ans interface{}) error {
				if str, ok := ans.(string); ok {
					if p, err := strconv.Atoi(str); err != nil || p < 1 || p > 65535 {
						return errors.New("the port must be a number between 1 and 65535")
					}
				}
				return nil
			},
		},
		&survey.Question{
			Name:   "EnableDelete",
			Prompt: &survey.Confirm{Message: "Allow deleting files", Default: configureArgs.EnableDelete},
		},
	)

	err := survey.Ask(questions, &configureArgs)
	if errors.Is(err, terminal.InterruptErr) {
		return
	}
	if err != nil {
		log.WithField("error", err).Fatal("failed to read answers")
		return
	}

	if st, err := os.Stat(configureArgs.RootDirectory); err != nil || !st.IsDir() {
		log.WithField("path", configureArgs.RootDirectory).Warn("root directory does not exist yet, create it before starting the server")
	}

	// The loaded configuration already points at the configuration file, only
	// the answered settings are replaced.
	c := current
	c.RootDirectory = configureArgs.RootDirectory
	c.Port, _ = strconv.Atoi(configureArgs.Port)
	c.EnableDelete = configureArgs.EnableDelete

	if err := c.WriteToDisk(); err != nil {
		log.WithField("error", err).Fatal("failed to write configuration to disk")
		return
	}
	fmt.Printf("Successfully wrote configuration to %s\n", c.GetPath())
}
