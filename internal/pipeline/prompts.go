package pipeline

const imageAnalysisPrompt = `You are a QA analyst reviewing a requirements document.
The document references the images listed by the user. Based on the reference
names and the surrounding document text, describe what each image most likely
shows and which testable behavior it implies.
Respond with JSON only: {"notes":[{"ref":"...","summary":"..."}]}`

const correlatePrompt = `You are a QA analyst. Identify cross-references inside
the requirements document: sections that constrain each other, shared data
definitions, and ordering dependencies between features.
Respond with JSON only: {"links":[{"from":"...","to":"...","relation":"..."}]}`

const testPathsPrompt = `You are a QA analyst. Read the requirements document
and enumerate the distinct user-visible paths through the described
functionality, including the main success paths, alternate paths, and error
paths.
Respond with JSON only: {"paths":[{"name":"...","kind":"success|alternate|error","summary":"..."}]}`

const scenariosPrompt = `You are a QA engineer. Generate concrete test
scenarios for the requirements document. Each scenario must have a short
title, a one-sentence description, a priority of high, medium, or low, and
any preconditions. Do not write steps yet.
Respond with JSON only:
{"scenarios":[{"title":"...","description":"...","priority":"...","preconditions":["..."],"test_path":"..."}]}`

const detailedStepsPrompt = `You are a QA engineer. For the given test
scenario, write the numbered steps a tester performs, each with the expected
result.
Respond with JSON only: {"steps":[{"action":"...","expected":"..."}]}`
