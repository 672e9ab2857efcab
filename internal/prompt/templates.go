package prompt

// Instruction payloads handed to the agent. The orchestrator treats these as
// opaque text; the contract that matters is the feature_list.json shape the
// sessions maintain.

const featureListRules = `## feature_list.json rules

feature_list.json is a JSON array of feature records. Each record has exactly
these fields:

  {
    "category": "functional" | "bugfix" | "enhancement" | "style" | "refactor",
    "description": "short statement of the behavior",
    "steps": ["ordered manual verification steps"],
    "passes": false
  }

These rules are non-negotiable:
- NEVER delete or reorder existing records.
- NEVER edit an existing record's category, description, or steps.
- NEVER set passes back to false once it is true.
- New records may only be appended at the end.
- Only set passes to true after you have verified every step yourself.`

const initializerTemplate = `You are starting a brand-new project in the current directory.

Read app_spec.md for the full application specification.

## Your job this session

1. Create feature_list.json: a thorough list of testable features covering
   the whole specification, every record with "passes": false.
2. Scaffold the project: directory layout, build tooling, an init.sh that
   installs dependencies and starts the app.
3. Start implementing the highest-priority features. Update each record's
   "passes" to true only after verifying its steps.
4. Append a short session summary to progress.log.
5. Commit your work with git.

` + featureListRules + `

Work autonomously. Do NOT stop to ask clarifying questions; make your best
judgment call and document it in progress.log.`

const adoptionTemplate = `You are adopting an existing codebase in the current directory.

## Your job this session

1. Survey the source tree: what the application does, how it is built and
   run, what already works.
2. Create feature_list.json capturing the application's intended behavior as
   testable features. Mark a record "passes": true only after you verify its
   steps against the running application; when in doubt, leave it false.
3. Append a survey summary to progress.log.
4. Commit with git.

` + featureListRules + `

Work autonomously. Do NOT stop to ask clarifying questions; make your best
judgment call and document it in progress.log.`

const enhancementTemplate = `The project in the current directory has an existing feature_list.json.
A new task has been requested:

{{TASK_DESCRIPTION}}

## Your job this session

1. Read feature_list.json and the existing source to understand the project.
2. APPEND new feature records covering the requested task, each with
   "passes": false. Do not touch existing records.
3. Start implementing the new features.
4. Append a session summary to progress.log and commit with git.

` + featureListRules

const codingTemplate = `You are continuing work on the project in the current directory.

## Your job this session

1. Read feature_list.json and progress.log to see where things stand.
2. Pick the most important records with "passes": false and implement them.
   Fix anything that is broken before adding anything new.
3. Verify each implemented feature by following its steps, then set its
   "passes" to true.
4. Append a session summary to progress.log and commit with git.

` + featureListRules + `

Work autonomously. Do NOT stop to ask clarifying questions; make your best
judgment call and document it in progress.log.`
